// Package overlay turns the set of active modules into overlayfs mounts
// over the system partitions.
package overlay

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/kernelsu/ksud/internal/module"
)

// Layer is one module's contribution to a target.
type Layer struct {
	Module   string `json:"module"`
	Priority int    `json:"priority"`
	Source   string `json:"source"`
}

// Target is a mount point and the module layers stacked on it, lowest
// priority first.
type Target struct {
	Path   string  `json:"path"`
	Layers []Layer `json:"layers"`
}

// LowerDirs returns the overlayfs lowerdir stack: the highest-priority
// layer first and the real directory last.
func (t Target) LowerDirs() []string {
	dirs := make([]string, 0, len(t.Layers)+1)
	for i := len(t.Layers) - 1; i >= 0; i-- {
		dirs = append(dirs, t.Layers[i].Source)
	}
	return append(dirs, t.Path)
}

// Plan maps target paths to contributing module trees. It is derived from
// a registry snapshot and never persisted.
type Plan struct {
	Targets []Target `json:"targets"`
	// Skipped lists modules that were inactive or carried skip_mount.
	Skipped []string `json:"skipped,omitempty"`
}

// PlanOptions selects partitions and excluded paths.
type PlanOptions struct {
	Partitions []string
	// Exclude holds globs matched against target paths such as
	// "/system/app/Foo".
	Exclude []string
}

// BuildPlan walks mods in priority order and records each active module's
// contribution. Disabled, pending-removal and skip_mount modules contribute
// nothing.
func BuildPlan(mods []module.Module, opts PlanOptions) (*Plan, error) {
	excludes := make([]glob.Glob, 0, len(opts.Exclude))
	for _, pattern := range opts.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}
	excluded := func(target string) bool {
		for _, g := range excludes {
			if g.Match(target) {
				return true
			}
		}
		return false
	}

	partitions := map[string]bool{}
	for _, p := range opts.Partitions {
		partitions[p] = true
	}

	ordered := append([]module.Module(nil), mods...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	plan := &Plan{}
	byPath := map[string]*Target{}
	add := func(target string, layer Layer) {
		if excluded(target) {
			return
		}
		t, ok := byPath[target]
		if !ok {
			t = &Target{Path: target}
			byPath[target] = t
		}
		t.Layers = append(t.Layers, layer)
	}

	for _, mod := range ordered {
		if !mod.Active() || mod.SkipMount {
			plan.Skipped = append(plan.Skipped, mod.ID)
			continue
		}
		for _, part := range opts.Partitions {
			root := filepath.Join(mod.Dir, part)
			if !isDir(root) {
				continue
			}
			for _, c := range contributions(root, "/"+part, part == "system", partitions) {
				add(c.target, Layer{Module: mod.ID, Priority: mod.Priority, Source: c.source})
			}
		}
	}

	for _, t := range byPath {
		plan.Targets = append(plan.Targets, *t)
	}
	sort.Slice(plan.Targets, func(i, j int) bool { return plan.Targets[i].Path < plan.Targets[j].Path })
	return plan, nil
}

type contribution struct {
	target, source string
}

// contributions lists what one partition tree of a module provides. A
// directory entry becomes its own target, loose files make the partition
// root a target. Under system/, entries named like another partition are
// routed to that partition.
func contributions(root, mountPoint string, routeNested bool, partitions map[string]bool) []contribution {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []contribution
	hasFiles := false
	for _, ent := range entries {
		src := filepath.Join(root, ent.Name())
		if !isDir(src) {
			hasFiles = true
			continue
		}
		if routeNested && partitions[ent.Name()] && ent.Name() != "system" {
			out = append(out, contributions(src, "/"+ent.Name(), false, partitions)...)
			continue
		}
		out = append(out, contribution{target: path.Join(mountPoint, ent.Name()), source: src})
	}
	if hasFiles {
		out = append(out, contribution{target: mountPoint, source: root})
	}
	return out
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// Modules returns the ids of every module with at least one layer, sorted.
func (p *Plan) Modules() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range p.Targets {
		for _, l := range t.Layers {
			if !seen[l.Module] {
				seen[l.Module] = true
				out = append(out, l.Module)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Without returns a copy of the plan with the named module removed.
func (p *Plan) Without(id string) *Plan {
	out := &Plan{Skipped: append(append([]string(nil), p.Skipped...), id)}
	for _, t := range p.Targets {
		nt := Target{Path: t.Path}
		for _, l := range t.Layers {
			if l.Module != id {
				nt.Layers = append(nt.Layers, l)
			}
		}
		if len(nt.Layers) > 0 {
			out.Targets = append(out.Targets, nt)
		}
	}
	return out
}

// Lookup resolves which module supplies file at the absolute path p once
// the plan is mounted. ok is false when the real file shows through.
func (p *Plan) Lookup(file string) (layer Layer, source string, ok bool) {
	file = path.Clean(file)
	var best *Target
	for i := range p.Targets {
		t := &p.Targets[i]
		if file != t.Path && !strings.HasPrefix(file, strings.TrimSuffix(t.Path, "/")+"/") {
			continue
		}
		if best == nil || len(t.Path) > len(best.Path) {
			best = t
		}
	}
	if best == nil {
		return Layer{}, "", false
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(file, best.Path), "/")
	for i := len(best.Layers) - 1; i >= 0; i-- {
		candidate := filepath.Join(best.Layers[i].Source, filepath.FromSlash(rel))
		if _, err := os.Lstat(candidate); err == nil {
			return best.Layers[i], candidate, true
		}
	}
	return Layer{}, "", false
}
