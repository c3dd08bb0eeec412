package cli

import (
	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/module"
)

func (e *env) modules() *module.Manager {
	opts := module.OptionsFromConfig(e.cfg)
	opts.VersionCode = e.build.VersionCode
	return module.NewManager(opts, e.runner, e.log())
}

// withNamespace runs fn after joining init's namespace and unsharing, so
// module operations see the real data partition and leave no mounts behind.
func (e *env) withNamespace(fn func(*module.Manager) error) error {
	ns, err := e.namespace()
	if err != nil {
		return err
	}
	defer ns.Close()
	return fn(e.modules())
}

func newModuleCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage installed modules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install ZIP",
		Short: "Install or update a module package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withNamespace(func(m *module.Manager) error {
				mod, err := m.Install(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, mod)
			})
		},
	})

	for _, c := range []struct {
		use, short string
		fn         func(*module.Manager, string) error
	}{
		{"uninstall", "Mark a module for removal at next boot", (*module.Manager).Uninstall},
		{"enable", "Enable a module", (*module.Manager).Enable},
		{"disable", "Disable a module", (*module.Manager).Disable},
	} {
		fn := c.fn
		cmd.AddCommand(&cobra.Command{
			Use:   c.use + " ID",
			Short: c.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return e.withNamespace(func(m *module.Manager) error {
					return fn(m, args[0])
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "action ID",
		Short: "Run a module's action script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withNamespace(func(m *module.Manager) error {
				res, err := m.RunAction(cmd.Context(), args[0])
				if res != nil {
					_, _ = cmd.OutOrStdout().Write(res.Stdout)
					_, _ = cmd.ErrOrStderr().Write(res.Stderr)
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed modules as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withNamespace(func(m *module.Manager) error {
				mods := m.List()
				if mods == nil {
					mods = []module.Module{}
				}
				return printJSON(cmd, mods)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete modules pending removal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withNamespace(func(m *module.Manager) error {
				removed, err := m.Sweep(cmd.Context())
				if removed == nil {
					removed = []string{}
				}
				if perr := printJSON(cmd, map[string]any{"removed": removed}); perr != nil {
					return perr
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trash",
		Short: "List replaced module trees awaiting the next sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := module.ListTrash(e.cfg.Paths.ModulesTrashDir)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []module.TrashEntry{}
			}
			return printJSON(cmd, entries)
		},
	})

	return cmd
}
