package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/kernel/kerneltest"
	"github.com/kernelsu/ksud/internal/ksuerr"
	"github.com/kernelsu/ksud/internal/module"
)

type fakeSyscalls struct {
	calls   []string
	openErr error
}

func (f *fakeSyscalls) OpenNS(pid int) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("open %d", pid))
	if f.openErr != nil {
		return -1, f.openErr
	}
	return 100 + pid, nil
}

func (f *fakeSyscalls) Setns(fd int) error {
	f.calls = append(f.calls, fmt.Sprintf("setns %d", fd))
	return nil
}

func (f *fakeSyscalls) Unshare() error {
	f.calls = append(f.calls, "unshare")
	return nil
}

func (f *fakeSyscalls) Close(int) error { return nil }

type fakeRunner struct {
	ran []module.Command
}

func (r *fakeRunner) Run(_ context.Context, c module.Command) (*module.Result, error) {
	r.ran = append(r.ran, c)
	return &module.Result{Stdout: []byte("action output\n")}, nil
}

type fakeMounter struct {
	mounted []string
}

func (m *fakeMounter) IsMounted(string, string) (bool, error) { return false, nil }

func (m *fakeMounter) Overlay(target string, _ []string, _ string) error {
	m.mounted = append(m.mounted, target)
	return nil
}

func (m *fakeMounter) Unmount(string) error      { return nil }
func (m *fakeMounter) Clone(string) (int, error) { return 7, nil }
func (m *fakeMounter) Move(int, string) error    { return nil }
func (m *fakeMounter) Close(int) error           { return nil }

type harness struct {
	adb     string
	config  string
	hook    *kerneltest.Hook
	sys     *fakeSyscalls
	runner  *fakeRunner
	mounter *fakeMounter
	uid     int
	execArg []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	adb := t.TempDir()
	h := &harness{
		adb:     adb,
		config:  filepath.Join(adb, "ksud.yaml"),
		hook:    kerneltest.New(12000),
		sys:     &fakeSyscalls{},
		runner:  &fakeRunner{},
		mounter: &fakeMounter{},
	}
	cfg := fmt.Sprintf("paths:\n  adb_dir: %[1]s\noverlay:\n  partitions: [system, vendor]\nmanager:\n  app_dir: %[1]s/app\n  data_dir: %[1]s/data\n", adb)
	require.NoError(t, os.WriteFile(h.config, []byte(cfg), 0o644))
	return h
}

func (h *harness) run(args ...string) (string, string, error) {
	return h.runEnv(h.newEnv(), args...)
}

func (h *harness) newEnv() *env {
	return &env{
		build:   Build{Version: "v1.0.3", VersionCode: 11986},
		hook:    h.hook,
		nsSys:   h.sys,
		mounter: h.mounter,
		runner:  h.runner,
		getuid:  func() int { return h.uid },
		exec: func(argv0 string, argv, envv []string) error {
			h.execArg = argv
			return errors.New("exec stubbed")
		},
	}
}

func (h *harness) runEnv(e *env, args ...string) (string, string, error) {
	cmd := newRoot(e)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (h *harness) addModule(t *testing.T, id string, files ...string) {
	t.Helper()
	dir := filepath.Join(h.adb, "modules", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.PropFile), []byte("id="+id+"\nname="+id+"\nversion=1.0\n"), 0o644))
	for _, rel := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	}
}

func exitErr(t *testing.T, err error) *ExitError {
	t.Helper()
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "want *ExitError, got %v", err)
	return ee
}

func TestModuleLifecycleCommands(t *testing.T) {
	h := newHarness(t)
	h.addModule(t, "mod_alpha", "system/bin/tool")

	_, _, err := h.run("module", "disable", "mod_alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"open 1", "setns 101", "unshare"}, h.sys.calls)

	out, _, err := h.run("module", "list")
	require.NoError(t, err)
	var mods []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &mods))
	require.Len(t, mods, 1)
	assert.Equal(t, "mod_alpha", mods[0]["id"])
	assert.Equal(t, "disabled", mods[0]["state"])

	_, _, err = h.run("module", "enable", "mod_alpha")
	require.NoError(t, err)
	_, _, err = h.run("module", "uninstall", "mod_alpha")
	require.NoError(t, err)
	_, _, err = h.run("module", "disable", "mod_alpha")
	assert.Equal(t, ksuerr.NotSupported, exitErr(t, err).Kind())

	out, _, err = h.run("module", "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":["mod_alpha"]}`, out)
	assert.NoDirExists(t, filepath.Join(h.adb, "modules", "mod_alpha"))
}

func TestModuleList_EmptyIsArray(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run("module", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	out, _, err = h.run("module", "trash")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestModuleAction(t *testing.T) {
	h := newHarness(t)
	h.addModule(t, "mod_alpha", module.ActionScript)
	h.addModule(t, "mod_plain")

	out, _, err := h.run("module", "action", "mod_alpha")
	require.NoError(t, err)
	assert.Equal(t, "action output\n", out)
	require.Len(t, h.runner.ran, 1)
	assert.Equal(t, filepath.Join(h.adb, "modules", "mod_alpha"), h.runner.ran[0].Dir)

	_, _, err = h.run("module", "action", "mod_plain")
	ee := exitErr(t, err)
	assert.Equal(t, 1, ee.Code())
	assert.Equal(t, ksuerr.NoAction, ee.Kind())
}

func TestErrorsCarryKind(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.run("module", "enable", "mod_missing")
	ee := exitErr(t, err)
	assert.Equal(t, 1, ee.Code())
	assert.Regexp(t, `^NotFound: `, ee.Message())

	h.sys.openErr = errors.New("ENOENT")
	_, _, err = h.run("module", "list")
	assert.Regexp(t, `^NamespaceError: `, exitErr(t, err).Message())
}

func TestSepolicyCommands(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run("sepolicy", "patch", "allow su system_file file read")
	require.NoError(t, err)
	assert.Equal(t, "applied 1 statement(s)\n", out)
	assert.NotEmpty(t, h.hook.Policy)

	out, _, err = h.run("sepolicy", "check", "allow", "su", "system_file", "file", "read")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	_, _, err = h.run("sepolicy", "check", "allow su system_file")
	assert.Equal(t, ksuerr.ParseError, exitErr(t, err).Kind())

	rule := filepath.Join(h.adb, "sepolicy.rule")
	require.NoError(t, os.WriteFile(rule, []byte("allow su a file read\nallow su b file read\n"), 0o644))
	out, _, err = h.run("sepolicy", "apply", rule)
	require.NoError(t, err)
	assert.Equal(t, "applied 2 statement(s)\n", out)

	h.hook.Ver = 0
	_, _, err = h.run("sepolicy", "patch", "allow su a file read")
	assert.Equal(t, ksuerr.NotSupported, exitErr(t, err).Kind())
}

func TestProfileCommands(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.run("profile", "set-template", "base_tmpl", "allow su system_file file read")
	require.NoError(t, err)
	out, _, err := h.run("profile", "list-templates")
	require.NoError(t, err)
	assert.Equal(t, "base_tmpl\n", out)

	out, _, err = h.run("profile", "set-sepolicy", "com.example.app", "--template", "base_tmpl", "--domain", "u:r:app_su:s0")
	require.NoError(t, err)
	assert.Equal(t, "applied 1 statement(s)\n", out)

	out, _, err = h.run("profile", "get-sepolicy", "com.example.app")
	require.NoError(t, err)
	assert.JSONEq(t, `{"package":"com.example.app","domain":"u:r:app_su:s0","policy":"allow su system_file file read","template":"base_tmpl"}`, out)

	_, _, err = h.run("profile", "delete-template", "base_tmpl")
	require.NoError(t, err)
	out, _, err = h.run("profile", "get-sepolicy", "com.example.app")
	require.NoError(t, err)
	assert.JSONEq(t, `{"package":"com.example.app","domain":"u:r:su:s0","template":"base_tmpl","template_missing":true}`, out)

	_, _, err = h.run("profile", "delete", "com.example.app")
	require.NoError(t, err)
	out, _, err = h.run("profile", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestProfileWritesRequireAuthorizedCaller(t *testing.T) {
	h := newHarness(t)
	h.uid = 10050

	_, _, err := h.run("profile", "set-sepolicy", "com.example.app", "allow su a file read")
	assert.Equal(t, ksuerr.PermissionDenied, exitErr(t, err).Kind())

	_, _, err = h.run("profile", "get-sepolicy", "com.example.app")
	assert.Equal(t, ksuerr.NotFound, exitErr(t, err).Kind())
}

func TestBootCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.addModule(t, "mod_alpha", "system/bin/tool", "service.sh")

	out, _, err := h.run("post-fs-data")
	require.NoError(t, err)
	var rep struct {
		Checkpoint string   `json:"checkpoint"`
		Mounted    []string `json:"mounted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "post-fs-data", rep.Checkpoint)
	assert.Equal(t, []string{"/system/bin"}, rep.Mounted)
	assert.Equal(t, []string{"/system/bin"}, h.mounter.mounted)
	assert.Equal(t, []kernel.Event{kernel.EventPostFsData, kernel.EventModuleMounted}, h.hook.Events)

	out, _, err = h.run("services")
	require.NoError(t, err)
	assert.Contains(t, out, `"scripts": 1`)
	require.Len(t, h.runner.ran, 1)

	_, _, err = h.run("boot-completed")
	require.NoError(t, err)
	assert.Equal(t, kernel.EventBootCompleted, h.hook.Events[len(h.hook.Events)-1])
}

func TestDebugCommands(t *testing.T) {
	h := newHarness(t)
	h.addModule(t, "mod_alpha", "system/bin/tool")

	out, _, err := h.run("debug", "version")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ksud":"v1.0.3","ksud_code":11986,"hook_present":true,"hook_version":12000}`, out)

	out, _, err = h.run("debug", "plan", "--lookup", "/system/bin/tool")
	require.NoError(t, err)
	assert.Contains(t, out, `"module": "mod_alpha"`)

	_, _, err = h.run("debug", "plan", "--lookup", "/system/bin/sh")
	assert.Equal(t, ksuerr.NotFound, exitErr(t, err).Kind())

	_, _, err = h.run("debug", "set-manager", "com.example.manager")
	assert.Equal(t, ksuerr.NotFound, exitErr(t, err).Kind())
	assert.Empty(t, h.hook.Managers)
}

func TestDebugSu(t *testing.T) {
	h := newHarness(t)
	h.hook.Granted[os.Getuid()] = true

	_, stderr, err := h.run("debug", "su", "-g")
	ee := exitErr(t, err)
	assert.Equal(t, 127, ee.Code())
	assert.Empty(t, ee.Message())
	assert.Equal(t, []string{"sh"}, h.execArg)
	assert.Contains(t, stderr, "su: cannot run")
	assert.Contains(t, h.sys.calls, "open 1")
	assert.Equal(t, 1, h.hook.Grants)
}

func TestToExitError(t *testing.T) {
	assert.NoError(t, toExitError(nil))

	ee := exitErr(t, toExitError(errors.New("plain")))
	assert.Equal(t, "Unknown: plain", ee.Message())

	wrapped := fmt.Errorf("install: %w", ksuerr.Errorf(ksuerr.InvalidPackage, "module.install", "x.zip", "no module.prop"))
	ee = exitErr(t, toExitError(wrapped))
	assert.Equal(t, ksuerr.InvalidPackage, ee.Kind())
	assert.Equal(t, "InvalidPackage: install: module.install x.zip: no module.prop", ee.Message())

	orig := &ExitError{code: 3}
	assert.Same(t, orig, toExitError(orig))
}

func TestLogOutputClosedAfterFailedCommand(t *testing.T) {
	h := newHarness(t)
	logPath := filepath.Join(h.adb, "ksud.log")
	f, err := os.OpenFile(h.config, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "logging:\n  output: %s\n", logPath)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e := h.newEnv()
	_, _, err = h.runEnv(e, "module", "enable", "missing")
	assert.Equal(t, ksuerr.NotFound, exitErr(t, err).Kind())
	assert.Nil(t, e.closeLog)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ksud invoked")
}

func TestInvalidConfigFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte("module:\n  update_state: sometimes\n"), 0o644))
	_, _, err := h.run("module", "list")
	assert.Contains(t, exitErr(t, err).Message(), "update_state")
}
