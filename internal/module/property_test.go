package module

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func moduleIDGen() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool { return len(s) >= 2 && len(s) <= 40 })
}

func TestProperty_InstallThenListIsEnabled(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("a freshly installed package is listed Enabled under its id", prop.ForAll(
		func(id string, major, minor int) bool {
			f := newFixture(t)
			version := fmt.Sprintf("%d.%d.0", major, minor)
			if _, err := f.mgr.Install(context.Background(), modulePackage(t, f.root, id, version, nil)); err != nil {
				return false
			}
			for _, m := range f.mgr.List() {
				if m.ID == id {
					return m.State == Enabled && m.Version == version
				}
			}
			return false
		},
		moduleIDGen(),
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_DisableEnableRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("disable then enable restores Enabled with the same metadata", prop.ForAll(
		func(id string, priority int) bool {
			f := newFixture(t)
			before, err := f.mgr.Install(context.Background(),
				modulePackage(t, f.root, id, "1.0.0", []string{fmt.Sprintf("priority=%d", priority)}))
			if err != nil {
				return false
			}
			if f.mgr.Disable(id) != nil || f.mgr.Enable(id) != nil {
				return false
			}
			after, err := f.mgr.Get(id)
			return err == nil && after == before && after.State == Enabled
		},
		moduleIDGen(),
		gen.IntRange(-50, 500),
	))

	properties.TestingRun(t)
}
