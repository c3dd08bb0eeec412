package module

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Stage names a boot checkpoint that runs scripts.
type Stage string

const (
	StagePostFsData    Stage = "post-fs-data"
	StageService       Stage = "service"
	StageBootCompleted Stage = "boot-completed"
)

// CommonDir is the directory of stage scripts shared by all modules.
func (s Stage) CommonDir(adbDir string) string {
	return filepath.Join(adbDir, string(s)+".d")
}

// Script is the per-module script for the stage.
func (s Stage) Script() string {
	return string(s) + ".sh"
}

// Command is one process to run.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"-"`
	Stderr   []byte `json:"-"`
}

// Runner executes commands. A nonzero exit is reported in Result, not as
// an error; errors mean the command could not run.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	execCmd := exec.CommandContext(ctx, c.Path, c.Args...)
	execCmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		execCmd.Env = env
	}
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", c.Path, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// scriptEnv is the environment every module script sees.
func (m *Manager) scriptEnv(modPath string) map[string]string {
	env := map[string]string{
		"KSU":            "true",
		"KSU_KERNEL":     "true",
		"KSU_VER_CODE":   fmt.Sprint(m.opts.VersionCode),
		"ASH_STANDALONE": "1",
	}
	if m.opts.BinaryDir != "" {
		env["PATH"] = os.Getenv("PATH") + ":" + m.opts.BinaryDir
	}
	if modPath != "" {
		env["MODPATH"] = modPath
	}
	return env
}

// runScript runs path with the shell under the script timeout. It returns
// an ActionFailed error carrying the exit status on a nonzero exit.
func (m *Manager) runScript(ctx context.Context, op, subject, path, dir string, env map[string]string) (*Result, error) {
	if m.opts.ScriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ScriptTimeout)
		defer cancel()
	}
	res, err := m.runner.Run(ctx, Command{Path: m.opts.Shell, Args: []string{path}, Dir: dir, Env: env})
	if err != nil {
		return nil, ksuerr.New(ksuerr.ActionFailed, op, subject, err)
	}
	if res.ExitCode != 0 {
		if ctx.Err() != nil {
			return res, &ksuerr.Error{Kind: ksuerr.ActionFailed, Op: op, Subject: subject, ExitStatus: res.ExitCode, Err: ctx.Err()}
		}
		return res, &ksuerr.Error{Kind: ksuerr.ActionFailed, Op: op, Subject: subject, ExitStatus: res.ExitCode,
			Err: fmt.Errorf("%s exited with status %d", filepath.Base(path), res.ExitCode)}
	}
	return res, nil
}

// RunStage runs the common scripts for stage and then each active module's
// stage script. A failing script is logged and skipped. It returns how many
// scripts ran and the failures.
func (m *Manager) RunStage(ctx context.Context, stage Stage) (int, []error) {
	ran := 0
	var failures []error

	commonDir := stage.CommonDir(m.opts.AdbDir)
	entries, _ := os.ReadDir(commonDir)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, ent := range entries {
		path := filepath.Join(commonDir, ent.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
			continue
		}
		ran++
		if _, err := m.runScript(ctx, "module.run_stage", path, path, commonDir, m.scriptEnv("")); err != nil {
			m.logger.Warn("stage script failed", "stage", string(stage), "script", path, "error", err)
			failures = append(failures, err)
		}
	}

	for _, mod := range m.List() {
		if !mod.Active() {
			continue
		}
		path := mod.Path(stage.Script())
		if !isRegular(path) {
			continue
		}
		ran++
		if _, err := m.runScript(ctx, "module.run_stage", mod.ID, path, mod.Dir, m.scriptEnv(mod.Dir)); err != nil {
			m.logger.Warn("module stage script failed", "stage", string(stage), "module", mod.ID, "error", err)
			failures = append(failures, err)
		}
	}
	return ran, failures
}

// LoadSystemProps feeds each active module's system.prop to resetprop.
func (m *Manager) LoadSystemProps(ctx context.Context) (int, []error) {
	resetprop := filepath.Join(m.opts.BinaryDir, "resetprop")
	loaded := 0
	var failures []error
	for _, mod := range m.List() {
		path := mod.Path(SystemPropFile)
		if !mod.Active() || !isRegular(path) {
			continue
		}
		res, err := m.runner.Run(ctx, Command{Path: resetprop, Args: []string{"-n", "--file", path}, Dir: mod.Dir})
		switch {
		case err != nil:
			err = ksuerr.New(ksuerr.ActionFailed, "module.load_system_prop", mod.ID, err)
		case res.ExitCode != 0:
			err = &ksuerr.Error{Kind: ksuerr.ActionFailed, Op: "module.load_system_prop", Subject: mod.ID,
				ExitStatus: res.ExitCode, Err: errors.New("resetprop failed")}
		}
		if err != nil {
			m.logger.Warn("system.prop not loaded", "module", mod.ID, "error", err)
			failures = append(failures, err)
			continue
		}
		loaded++
	}
	return loaded, failures
}
