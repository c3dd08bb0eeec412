package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/config"
	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/ksuerr"
	"github.com/kernelsu/ksud/internal/mntns"
	"github.com/kernelsu/ksud/internal/overlay"
	"github.com/kernelsu/ksud/internal/su"
	"github.com/kernelsu/ksud/internal/trust"
)

func newDebugCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Inspection and recovery helpers",
	}
	cmd.AddCommand(newGetSignCmd())
	cmd.AddCommand(newSetManagerCmd(e))
	cmd.AddCommand(newDebugSuCmd(e))
	cmd.AddCommand(newKernelVersionCmd(e))
	cmd.AddCommand(newDebugMountCmd(e))
	cmd.AddCommand(newDebugPlanCmd(e))
	return cmd
}

type signInfo struct {
	trust.Fingerprint
	Block string `json:"block"`
}

func newGetSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-sign APK",
		Short: "Print the signer fingerprint of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, block, err := trust.SignerCertificate(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, signInfo{Fingerprint: trust.Compute(cert), Block: fmt.Sprintf("0x%08x", block)})
		},
	}
}

func newSetManagerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "set-manager PACKAGE",
		Short: "Verify a package's signer and register it as the manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]
			m := e.cfg.Manager
			st, err := trust.NewAuthorizer(trust.ManagerOptions{
				Package:  pkg,
				AppDir:   m.AppDir,
				DataDir:  m.DataDir,
				Expected: trust.Fingerprint{Size: m.ExpectedSize, Hash: m.ExpectedHash},
			}, e.log()).CheckManager()
			if err != nil {
				return err
			}
			if !st.Trusted {
				return ksuerr.Errorf(ksuerr.SignatureError, "debug.set_manager", pkg, "signer %s is not trusted", st.Fingerprint)
			}
			if _, err := kernel.Require(e.hook, "debug.set_manager"); err != nil {
				return err
			}
			if err := e.hook.BecomeManager(pkg); err != nil {
				return ksuerr.New(ksuerr.PermissionDenied, "debug.set_manager", pkg, err)
			}
			e.log().Info("manager registered", "package", pkg, "apk", st.APK)
			return printJSON(cmd, st)
		},
	}
}

func newDebugSuCmd(e *env) *cobra.Command {
	var global bool
	cmd := &cobra.Command{
		Use:   "su",
		Short: "Open a root shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var suArgs []string
			if global {
				suArgs = append(suArgs, "-M")
			}
			return e.rootShell(cmd, suArgs)
		},
	}
	cmd.Flags().BoolVarP(&global, "global", "g", false, "run in the global mount namespace")
	return cmd
}

// rootShell runs su with args and turns a failed start into an ExitError
// that carries su's exit code. su prints its own diagnostics.
func (e *env) rootShell(cmd *cobra.Command, args []string) error {
	ns := mntns.New(e.nsSys, e.log())
	defer ns.Close()
	code, err := su.RootShell(su.NewArbiter(e.hook, ns, e.log()), args, su.ShellOptions{
		Shell:       e.cfg.Su.Shell,
		PathEnv:     e.cfg.Su.PathEnv,
		Version:     e.build.Version,
		VersionCode: e.build.VersionCode,
		Stdout:      cmd.OutOrStdout(),
		Stderr:      cmd.ErrOrStderr(),
		Exec:        e.exec,
	})
	if code == 0 && err == nil {
		return nil
	}
	return &ExitError{code: code, kind: ksuerr.KindOf(err)}
}

func newKernelVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel hook version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := kernel.Probe(e.hook)
			return printJSON(cmd, map[string]any{
				"ksud":         e.build.Version,
				"ksud_code":    e.build.VersionCode,
				"hook_present": caps.Present,
				"hook_version": caps.Version,
			})
		},
	}
}

func newDebugMountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mount",
		Short: "Build and activate the overlay outside the boot sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := mntns.New(e.nsSys, e.log())
			defer ns.Close()
			if err := ns.Enter(); err != nil {
				return err
			}
			plan, err := overlay.BuildPlan(e.modules().List(), e.planOptions())
			if err != nil {
				return err
			}
			res, err := overlay.NewActivator(e.mounter, ns, e.cfg.Overlay.SourceLabel, e.log()).Activate(plan)
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newDebugPlanCmd(e *env) *cobra.Command {
	var lookup string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the overlay plan for the installed modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := overlay.BuildPlan(e.modules().List(), e.planOptions())
			if err != nil {
				return err
			}
			if lookup == "" {
				return printJSON(cmd, plan)
			}
			layer, source, ok := plan.Lookup(lookup)
			if !ok {
				return ksuerr.Errorf(ksuerr.NotFound, "debug.plan", lookup, "no module supplies this path")
			}
			return printJSON(cmd, map[string]any{"module": layer.Module, "source": source})
		},
	}
	cmd.Flags().StringVar(&lookup, "lookup", "", "resolve which module supplies an absolute path")
	return cmd
}

// SuMain is the entry point when ksud runs under the name su. It uses the
// default configuration location and never parses ksud flags.
func SuMain(b Build, args []string) int {
	cfg, err := config.Load(getenvDefault("KSUD_CONFIG", config.DefaultPath))
	if err != nil {
		cfg = config.Default()
	}
	ns := mntns.New(mntns.System(), nil)
	defer ns.Close()
	code, _ := su.RootShell(su.NewArbiter(kernel.NewPrctl(), ns, nil), args, su.ShellOptions{
		Shell:       cfg.Su.Shell,
		PathEnv:     cfg.Su.PathEnv,
		Version:     b.Version,
		VersionCode: b.VersionCode,
	})
	return code
}
