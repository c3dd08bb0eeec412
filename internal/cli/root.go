package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/config"
	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/mntns"
	"github.com/kernelsu/ksud/internal/module"
	"github.com/kernelsu/ksud/internal/overlay"
)

// Build carries version information stamped at link time.
type Build struct {
	Version     string
	VersionCode int32
}

// env holds the process-wide collaborators of every command. Tests swap the
// system-facing ones for fakes.
type env struct {
	build Build

	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func()

	hook    kernel.Hook
	nsSys   mntns.Syscalls
	mounter overlay.Mounter
	runner  module.Runner
	getuid  func() int
	exec    func(argv0 string, argv, envv []string) error
}

func NewRoot(b Build) *cobra.Command {
	return newRoot(&env{
		build:   b,
		hook:    kernel.NewPrctl(),
		nsSys:   mntns.System(),
		mounter: overlay.SystemMounter{},
		runner:  module.ExecRunner{},
		getuid:  os.Getuid,
	})
}

func newRoot(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ksud",
		Short:         "ksud: KernelSU userspace daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
	}

	cmd.Version = e.build.Version
	cmd.SetVersionTemplate("ksud {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&e.configPath, "config", getenvDefault("KSUD_CONFIG", config.DefaultPath), "config file path")
	cmd.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newModuleCmd(e))
	cmd.AddCommand(newBootCmds(e)...)
	cmd.AddCommand(newSepolicyCmd(e))
	cmd.AddCommand(newProfileCmd(e))
	cmd.AddCommand(newDebugCmd(e))

	wrapErrors(cmd, e.closeLogOutput)
	return cmd
}

// setup loads the configuration and builds the process logger.
func (e *env) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	e.cfg = cfg
	logger, closeLog, err := newLogger(cfg, e.verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	e.logger, e.closeLog = logger, closeLog
	e.logger.Info("ksud invoked", "command", cmd.CommandPath(), "version", e.build.Version)
	return nil
}

// closeLogOutput closes the log output file opened by setup. It runs after
// every command, failed ones included.
func (e *env) closeLogOutput() {
	if e.closeLog != nil {
		e.closeLog()
		e.closeLog = nil
	}
}

// namespace returns a controller that has joined init's namespace and
// unshared from it.
func (e *env) namespace() (*mntns.Controller, error) {
	ns := mntns.New(e.nsSys, e.logger)
	if err := ns.Enter(); err != nil {
		return nil, err
	}
	return ns, nil
}

func (e *env) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.logger
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
