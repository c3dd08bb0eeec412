package su

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// ExecFunc replaces the process image. It only returns on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// ShellOptions configures RootShell.
type ShellOptions struct {
	// Shell is used when -s is not given.
	Shell string
	// PathEnv is exported as PATH unless the environment is preserved.
	PathEnv string
	Version     string
	VersionCode int32
	Stdout      io.Writer
	Stderr      io.Writer
	// Environ defaults to os.Environ.
	Environ func() []string
	// Exec defaults to SystemExec.
	Exec ExecFunc
}

// Invocation is a parsed su command line.
type Invocation struct {
	Command     string
	Shell       string
	Login       bool
	Preserve    bool
	MountMaster bool
	User        string
	Args        []string
	Help        bool
	Version     bool
	VersionCode bool
}

// ParseArgs parses su arguments (without argv[0]). A lone "-" means
// --login, as with the classic su.
func ParseArgs(args []string) (Invocation, *pflag.FlagSet, error) {
	var inv Invocation
	fs := pflag.NewFlagSet("su", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVarP(&inv.Command, "command", "c", "", "pass COMMAND to the invoked shell")
	fs.StringVarP(&inv.Shell, "shell", "s", "", "use SHELL instead of the default")
	fs.BoolVarP(&inv.Login, "login", "l", false, "pretend the shell to be a login shell")
	fs.BoolVarP(&inv.Preserve, "preserve-environment", "p", false, "preserve the entire environment")
	fs.BoolVarP(&inv.MountMaster, "mount-master", "M", false, "run in the global mount namespace")
	fs.BoolVarP(&inv.Help, "help", "h", false, "display this help message and exit")
	fs.BoolVarP(&inv.Version, "version", "v", false, "display version number and exit")
	fs.BoolVarP(&inv.VersionCode, "version-code", "V", false, "display version code and exit")

	rewritten := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-" {
			a = "--login"
		}
		rewritten = append(rewritten, a)
	}
	if err := fs.Parse(rewritten); err != nil {
		return inv, fs, ksuerr.New(ksuerr.ParseError, "su.args", strings.Join(args, " "), err)
	}

	rest := fs.Args()
	if len(rest) > 0 {
		inv.User, inv.Args = rest[0], rest[1:]
	}
	switch inv.User {
	case "", "root", "0":
	default:
		return inv, fs, ksuerr.Errorf(ksuerr.PermissionDenied, "su.args", inv.User, "only root is supported")
	}
	return inv, fs, nil
}

// RootShell grants root in the caller's namespace (or the global one with
// -M) and execs a shell. It returns only when no shell was started: for
// -h, -v and -V with exit code 0, and on failure.
func RootShell(arb *Arbiter, args []string, opts ShellOptions) (int, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Shell == "" {
		opts.Shell = "/system/bin/sh"
	}
	if opts.Exec == nil {
		opts.Exec = SystemExec
	}

	inv, fs, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "su: %v\n", err)
		return 1, err
	}
	if inv.Help {
		fmt.Fprintf(opts.Stdout, "Usage: su [options] [-] [user [argument...]]\n\nOptions:\n%s", fs.FlagUsages())
		return 0, nil
	}
	if inv.Version {
		fmt.Fprintln(opts.Stdout, opts.Version)
		return 0, nil
	}
	if inv.VersionCode {
		fmt.Fprintln(opts.Stdout, opts.VersionCode)
		return 0, nil
	}

	if _, err := arb.Grant(inv.MountMaster); err != nil {
		fmt.Fprintf(opts.Stderr, "su: %v\n", err)
		return 1, err
	}

	shell := opts.Shell
	if inv.Shell != "" {
		shell = inv.Shell
	}
	argv0 := filepath.Base(shell)
	if inv.Login {
		argv0 = "-" + argv0
	}
	argv := []string{argv0}
	if inv.Command != "" {
		argv = append(argv, "-c", inv.Command)
	}
	argv = append(argv, inv.Args...)

	env := shellEnv(opts.Environ(), shell, opts.PathEnv, inv)
	err = opts.Exec(shell, argv, env)
	fmt.Fprintf(opts.Stderr, "su: cannot run %s: %v\n", shell, err)
	return 127, ksuerr.New(ksuerr.IoError, "su.exec", shell, err)
}

func shellEnv(base []string, shell, pathEnv string, inv Invocation) []string {
	if inv.Preserve {
		return base
	}
	env := map[string]string{}
	var order []string
	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			set(k, v)
		}
	}
	set("HOME", "/data")
	set("SHELL", shell)
	set("USER", "root")
	set("LOGNAME", "root")
	if pathEnv != "" {
		set("PATH", pathEnv)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}
