package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/boot"
	"github.com/kernelsu/ksud/internal/mntns"
	"github.com/kernelsu/ksud/internal/overlay"
	"github.com/kernelsu/ksud/internal/profile"
	"github.com/kernelsu/ksud/internal/sepolicy"
	"github.com/kernelsu/ksud/internal/trust"
)

func (e *env) policyEngine() *sepolicy.Engine {
	return sepolicy.NewEngine(e.hook, sepolicy.ParseOptions{StrictNames: e.cfg.Sepolicy.StrictNames}, e.log())
}

func (e *env) authorizer() *trust.Authorizer {
	m := e.cfg.Manager
	return trust.NewAuthorizer(trust.ManagerOptions{
		Package:  m.Package,
		AppDir:   m.AppDir,
		DataDir:  m.DataDir,
		Expected: trust.Fingerprint{Size: m.ExpectedSize, Hash: m.ExpectedHash},
	}, e.log())
}

// profiles opens the profile store. The caller closes the returned store.
func (e *env) profiles() (*profile.Service, *profile.Store, error) {
	store, err := profile.Open(e.cfg.Paths.ProfileDB)
	if err != nil {
		return nil, nil, err
	}
	svc := profile.NewService(store, e.policyEngine(), e.authorizer(), e.cfg.Profile.DefaultDomain, e.log())
	return svc, store, nil
}

func (e *env) planOptions() overlay.PlanOptions {
	return overlay.PlanOptions{Partitions: e.cfg.Overlay.Partitions, Exclude: e.cfg.Overlay.Exclude}
}

type checkpoint func(*boot.Sequencer, context.Context) (*boot.Report, error)

// newBootCmds returns the commands the init scripts run at each boot stage.
// A report is always printed; failures inside it do not fail the command.
func newBootCmds(e *env) []*cobra.Command {
	mk := func(use, short string, run checkpoint) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ns := mntns.New(e.nsSys, e.log())
				defer ns.Close()

				deps := boot.Deps{
					Hook:        e.hook,
					Namespace:   ns,
					Modules:     e.modules(),
					Policy:      e.policyEngine(),
					Mounter:     e.mounter,
					Plan:        e.planOptions(),
					SourceLabel: e.cfg.Overlay.SourceLabel,
					Logger:      e.log(),
				}
				svc, store, err := e.profiles()
				if err != nil {
					e.log().Warn("profile store unavailable", "error", err)
				} else {
					defer store.Close()
					deps.Profiles = svc
				}

				rep, err := run(boot.New(deps), cmd.Context())
				if rep != nil {
					if perr := printJSON(cmd, rep); perr != nil {
						return perr
					}
				}
				return err
			},
		}
	}
	return []*cobra.Command{
		mk("post-fs-data", "Run the post-fs-data checkpoint", (*boot.Sequencer).OnEarlyFsReady),
		mk("services", "Run the late-start service checkpoint", (*boot.Sequencer).OnServicesStart),
		mk("boot-completed", "Run the boot-completed checkpoint", (*boot.Sequencer).OnBootCompleted),
	}
}
