package boot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/kernel/kerneltest"
	"github.com/kernelsu/ksud/internal/module"
	"github.com/kernelsu/ksud/internal/overlay"
	"github.com/kernelsu/ksud/internal/profile"
)

// journal collects calls from every fake so ordering can be asserted.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeNS struct {
	j          *journal
	switchErr  error
	unshareErr error
}

func (n *fakeNS) SwitchTo(pid int) error {
	n.j.add("switch " + strconv.Itoa(pid))
	return n.switchErr
}

func (n *fakeNS) Unshare() error {
	n.j.add("unshare")
	return n.unshareErr
}

func (n *fakeNS) EnterCanonical() error {
	n.j.add("enter-canonical")
	return nil
}

type fakePolicy struct {
	j *journal
}

func (p fakePolicy) ApplyFile(path string) (int, error) {
	mod := filepath.Base(filepath.Dir(path))
	p.j.add("policy " + mod)
	if strings.Contains(mod, "broken") {
		return 1, errors.New("line 2: bad statement")
	}
	return 2, nil
}

type fakeProfiles struct {
	j   *journal
	rep profile.ApplyReport
}

func (p fakeProfiles) ApplyAll(context.Context) (profile.ApplyReport, error) {
	p.j.add("profiles")
	return p.rep, nil
}

type fakeRunner struct {
	j    *journal
	exit map[string]int
}

func (r fakeRunner) Run(_ context.Context, c module.Command) (*module.Result, error) {
	name := filepath.Base(c.Path)
	if len(c.Args) > 0 && !strings.HasPrefix(c.Args[0], "-") {
		name = filepath.Base(c.Args[0])
	}
	r.j.add("run " + name)
	return &module.Result{ExitCode: r.exit[name]}, nil
}

type fakeMounter struct {
	j *journal
}

func (m fakeMounter) IsMounted(string, string) (bool, error) { return false, nil }

func (m fakeMounter) Overlay(target string, _ []string, _ string) error {
	m.j.add("mount " + target)
	return nil
}

func (m fakeMounter) Move(_ int, target string) error {
	m.j.add("move " + target)
	return nil
}

func (m fakeMounter) Unmount(string) error      { return nil }
func (m fakeMounter) Clone(string) (int, error) { return 3, nil }
func (m fakeMounter) Close(int) error           { return nil }

type fixture struct {
	j       *journal
	hook    *kerneltest.Hook
	ns      *fakeNS
	modDir  string
	mgr     *module.Manager
	runner  fakeRunner
	seq     *Sequencer
	profile *fakeProfiles
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	j := &journal{}
	f := &fixture{
		j:       j,
		hook:    kerneltest.New(12000),
		ns:      &fakeNS{j: j},
		modDir:  filepath.Join(root, "modules"),
		runner:  fakeRunner{j: j, exit: map[string]int{}},
		profile: &fakeProfiles{j: j, rep: profile.ApplyReport{Profiles: 2, Statements: 3}},
	}
	f.mgr = module.NewManager(module.Options{
		AdbDir:          root,
		ModulesDir:      f.modDir,
		UpdateDir:       filepath.Join(root, "modules_update"),
		TrashDir:        filepath.Join(root, "modules_trash"),
		BinaryDir:       filepath.Join(root, "bin"),
		Shell:           "/bin/sh",
		DefaultPriority: 100,
	}, f.runner, nil)
	f.seq = New(Deps{
		Hook:      f.hook,
		Namespace: f.ns,
		Modules:   f.mgr,
		Policy:    fakePolicy{j: j},
		Profiles:  f.profile,
		Mounter:   fakeMounter{j: j},
		Plan:      overlay.PlanOptions{Partitions: []string{"system", "vendor"}},
	})
	return f
}

func (f *fixture) add(t *testing.T, id string, priority int, files ...string) {
	t.Helper()
	dir := filepath.Join(f.modDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.PropFile), []byte("id="+id+"\nname="+id+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.PriorityFile), []byte(strconv.Itoa(priority)), 0o644))
	for _, rel := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	}
}

func TestOnEarlyFsReady_Order(t *testing.T) {
	f := newFixture(t)
	f.add(t, "mod_alpha", 10, "system/bin/tool", module.SepolicyFile, module.SystemPropFile, "post-fs-data.sh", "service.sh")
	f.add(t, "mod_gone", 20, "remove", module.UninstallFile, "system/bin/old")
	f.add(t, "mod_off", 30, "disable", module.SepolicyFile, "vendor/etc/x")

	rep, err := f.seq.OnEarlyFsReady(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"switch 1",
		"run uninstall.sh",
		"policy mod_alpha",
		"profiles",
		"run resetprop",
		"run post-fs-data.sh",
		"unshare",
		"mount /system/bin",
		"enter-canonical",
		"move /system/bin",
	}, f.j.all())
	assert.Equal(t, []kernel.Event{kernel.EventPostFsData, kernel.EventModuleMounted}, f.hook.Events)

	assert.Equal(t, []string{"mod_gone"}, rep.Removed)
	assert.Equal(t, 1, rep.Policies)
	assert.Equal(t, 5, rep.Statements)
	assert.Equal(t, 2, rep.Profiles)
	assert.Equal(t, 1, rep.Props)
	assert.Equal(t, 1, rep.Scripts)
	assert.Equal(t, []string{"/system/bin"}, rep.Mounted)
	assert.Empty(t, rep.Failures)
	assert.NoDirExists(t, filepath.Join(f.modDir, "mod_gone"))
}

func TestOnEarlyFsReady_Containment(t *testing.T) {
	f := newFixture(t)
	f.add(t, "mod_broken", 10, module.SepolicyFile, module.SystemPropFile, "system/bin/a")
	f.add(t, "mod_fine", 20, module.SepolicyFile, "post-fs-data.sh", "system/bin/b")
	f.runner.exit["resetprop"] = 1
	f.runner.exit["post-fs-data.sh"] = 3
	f.profile.rep.Failures = []profile.Failure{{Package: "com.example.app", Error: "ParseError"}}

	rep, err := f.seq.OnEarlyFsReady(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Policies)
	assert.Equal(t, 1+2+3, rep.Statements)
	assert.Equal(t, []string{"/system/bin"}, rep.Mounted)

	steps := map[string]string{}
	for _, fl := range rep.Failures {
		steps[fl.Step] = fl.Subject
	}
	assert.Equal(t, "mod_broken", steps["sepolicy"])
	assert.Equal(t, "com.example.app", steps["profile"])
	assert.Contains(t, steps, "system_prop")
	assert.Contains(t, steps, string(module.StagePostFsData))
}

func TestOnEarlyFsReady_SafeMode(t *testing.T) {
	f := newFixture(t)
	f.hook.SafeMode = true
	f.add(t, "mod_alpha", 10, "system/bin/tool", module.SepolicyFile, "post-fs-data.sh")

	rep, err := f.seq.OnEarlyFsReady(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.SafeMode)
	assert.Equal(t, 1, rep.Disabled)
	assert.Equal(t, []string{"switch 1", "profiles"}, f.j.all())
	assert.Empty(t, rep.Mounted)

	mod, err := f.mgr.Get("mod_alpha")
	require.NoError(t, err)
	assert.Equal(t, module.Disabled, mod.State)

	srv, err := f.seq.OnServicesStart(context.Background())
	require.NoError(t, err)
	assert.True(t, srv.SafeMode)
	assert.Zero(t, srv.Scripts)
}

func TestOnEarlyFsReady_NamespaceFailures(t *testing.T) {
	f := newFixture(t)
	f.add(t, "mod_gone", 10, "remove")
	f.ns.switchErr = errors.New("setns: EPERM")

	_, err := f.seq.OnEarlyFsReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"switch 1"}, f.j.all())
	assert.DirExists(t, filepath.Join(f.modDir, "mod_gone"), "nothing is swept outside init's namespace")

	f = newFixture(t)
	f.add(t, "mod_alpha", 10, "system/bin/tool")
	f.ns.unshareErr = errors.New("unshare: EINVAL")
	rep, err := f.seq.OnEarlyFsReady(context.Background())
	require.Error(t, err)
	assert.Empty(t, rep.Mounted)
	assert.NotContains(t, f.j.all(), "mount /system/bin")
}

func TestOnServicesStartAndBootCompleted(t *testing.T) {
	f := newFixture(t)
	f.add(t, "mod_alpha", 10, "service.sh", "boot-completed.sh")
	f.add(t, "mod_off", 20, "disable", "service.sh")

	rep, err := f.seq.OnServicesStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scripts)

	rep, err = f.seq.OnBootCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scripts)
	assert.Equal(t, []string{"run service.sh", "run boot-completed.sh"}, f.j.all())
	assert.Equal(t, []kernel.Event{kernel.EventBootCompleted}, f.hook.Events)
}

func TestCheckpoints_NoHook(t *testing.T) {
	f := newFixture(t)
	f.seq.d.Hook = kerneltest.New(0)
	f.add(t, "mod_alpha", 10, "boot-completed.sh")

	rep, err := f.seq.OnBootCompleted(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.SafeMode)
	assert.Equal(t, 1, rep.Scripts)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "report_event", rep.Failures[0].Step)
}
