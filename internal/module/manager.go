package module

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kernelsu/ksud/internal/config"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Options configures a Manager.
type Options struct {
	AdbDir     string
	ModulesDir string
	UpdateDir  string
	TrashDir   string
	BinaryDir  string

	// Shell interprets module scripts.
	Shell string
	// UpdateState is config.UpdateStatePreserve or config.UpdateStateReset.
	UpdateState     string
	DefaultPriority int
	PriorityStep    int
	RunCustomize    bool
	AllowDowngrade  bool
	ScriptTimeout   time.Duration
	// VersionCode is exported to scripts as KSU_VER_CODE.
	VersionCode int32
}

// OptionsFromConfig maps the module-related configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AdbDir:          cfg.Paths.AdbDir,
		ModulesDir:      cfg.Paths.ModulesDir,
		UpdateDir:       cfg.Paths.ModulesUpdateDir,
		TrashDir:        cfg.Paths.ModulesTrashDir,
		BinaryDir:       cfg.Paths.BinaryDir,
		Shell:           cfg.Su.Shell,
		UpdateState:     cfg.Module.UpdateState,
		DefaultPriority: cfg.Module.DefaultPriority,
		PriorityStep:    cfg.Module.PriorityStep,
		RunCustomize:    cfg.Module.RunCustomize,
		AllowDowngrade:  cfg.Module.AllowDowngrade == nil || *cfg.Module.AllowDowngrade,
		ScriptTimeout:   cfg.ScriptTimeout(),
	}
}

// Manager owns the module registry on disk. It keeps no state between
// calls: every operation rescans the modules directory.
type Manager struct {
	opts   Options
	runner Runner
	logger *slog.Logger
}

// NewManager returns a Manager. A nil runner runs scripts with ExecRunner;
// a nil logger discards logs.
func NewManager(opts Options, runner Runner, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Shell == "" {
		opts.Shell = "/system/bin/sh"
	}
	if opts.PriorityStep <= 0 {
		opts.PriorityStep = 10
	}
	if opts.UpdateState == "" {
		opts.UpdateState = config.UpdateStatePreserve
	}
	return &Manager{opts: opts, runner: runner, logger: logger}
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// List returns every readable module ordered by priority, then id. It never
// fails: a missing modules directory is an empty registry and unreadable
// modules are logged and left out.
func (m *Manager) List() []Module {
	entries, err := os.ReadDir(m.opts.ModulesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("modules dir unreadable", "dir", m.opts.ModulesDir, "error", err)
		}
		return []Module{}
	}
	mods := make([]Module, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() || !ValidID(ent.Name()) {
			continue
		}
		mod, err := load(filepath.Join(m.opts.ModulesDir, ent.Name()), m.opts.DefaultPriority)
		if err != nil {
			m.logger.Warn("skipping unreadable module", "module", ent.Name(), "error", err)
			continue
		}
		mods = append(mods, mod)
	}
	sortModules(mods)
	return mods
}

func sortModules(mods []Module) {
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].Priority != mods[j].Priority {
			return mods[i].Priority < mods[j].Priority
		}
		return mods[i].ID < mods[j].ID
	})
}

// Get returns the module with id.
func (m *Manager) Get(id string) (Module, error) {
	dir, err := m.dirOf("module.get", id)
	if err != nil {
		return Module{}, err
	}
	mod, err := load(dir, m.opts.DefaultPriority)
	if err != nil {
		return Module{}, ksuerr.New(ksuerr.InvalidPackage, "module.get", id, err)
	}
	return mod, nil
}

// dirOf returns the root of module id, checking it exists right now.
func (m *Manager) dirOf(op, id string) (string, error) {
	if !ValidID(id) {
		return "", ksuerr.Errorf(ksuerr.NotFound, op, id, "invalid module id")
	}
	dir := filepath.Join(m.opts.ModulesDir, id)
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ksuerr.Errorf(ksuerr.NotFound, op, id, "module not installed")
		}
		return "", ksuerr.New(ksuerr.IoError, op, id, err)
	}
	if !fi.IsDir() {
		return "", ksuerr.Errorf(ksuerr.NotFound, op, id, "module not installed")
	}
	return dir, nil
}

func (m *Manager) setState(op, id string, s State) error {
	dir, err := m.dirOf(op, id)
	if err != nil {
		return err
	}
	if err := writeState(dir, s); err != nil {
		return ksuerr.New(ksuerr.IoError, op, id, err)
	}
	m.logger.Info("module state changed", "module", id, "state", s.String())
	return nil
}

// Enable clears the disable marker. It also cancels a pending removal. An
// Updating module stays Updating.
func (m *Manager) Enable(id string) error {
	dir, err := m.dirOf("module.enable", id)
	if err != nil {
		return err
	}
	if stateOf(dir) == Updating {
		return nil
	}
	return m.setState("module.enable", id, Enabled)
}

// Disable marks the module disabled. A module pending removal is refused
// and stays pending; enabling it cancels the removal.
func (m *Manager) Disable(id string) error {
	dir, err := m.dirOf("module.disable", id)
	if err != nil {
		return err
	}
	if stateOf(dir) == PendingRemoval {
		return ksuerr.Errorf(ksuerr.NotSupported, "module.disable", id, "module is pending removal")
	}
	return m.setState("module.disable", id, Disabled)
}

// Uninstall marks the module for removal by the next sweep. The tree stays
// on disk because an active overlay may still reference it.
func (m *Manager) Uninstall(id string) error {
	return m.setState("module.uninstall", id, PendingRemoval)
}

// DisableAll disables every active module. Used when the device booted in
// safe mode.
func (m *Manager) DisableAll() (int, error) {
	n := 0
	for _, mod := range m.List() {
		if !mod.Active() {
			continue
		}
		if err := writeState(mod.Dir, Disabled); err != nil {
			return n, ksuerr.New(ksuerr.IoError, "module.disable_all", mod.ID, err)
		}
		n++
	}
	m.logger.Warn("safe mode: modules disabled", "count", n)
	return n, nil
}

// RunAction runs the module's action.sh from the module root.
func (m *Manager) RunAction(ctx context.Context, id string) (*Result, error) {
	dir, err := m.dirOf("module.action", id)
	if err != nil {
		return nil, err
	}
	script := filepath.Join(dir, ActionScript)
	if !isRegular(script) {
		return nil, ksuerr.Errorf(ksuerr.NoAction, "module.action", id, "module declares no action")
	}
	res, err := m.runScript(ctx, "module.action", id, script, dir, m.scriptEnv(dir))
	if err != nil {
		return res, err
	}
	m.logger.Info("module action finished", "module", id)
	return res, nil
}

// Sweep deletes modules pending removal after running their uninstall.sh,
// clears update markers and empties the trash and staging directories. It
// returns the removed ids.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	var removed []string
	for _, mod := range m.List() {
		switch mod.State {
		case PendingRemoval:
			if script := mod.Path(UninstallFile); isRegular(script) {
				if _, err := m.runScript(ctx, "module.sweep", mod.ID, script, mod.Dir, m.scriptEnv(mod.Dir)); err != nil {
					m.logger.Warn("uninstall script failed", "module", mod.ID, "error", err)
				}
			}
			if err := os.RemoveAll(mod.Dir); err != nil {
				return removed, ksuerr.New(ksuerr.IoError, "module.sweep", mod.ID, err)
			}
			removed = append(removed, mod.ID)
			m.logger.Info("module removed", "module", mod.ID)
		case Updating:
			if err := writeState(mod.Dir, Enabled); err != nil {
				return removed, ksuerr.New(ksuerr.IoError, "module.sweep", mod.ID, err)
			}
		}
	}

	if n, err := purgeTrash(m.opts.TrashDir); err != nil {
		return removed, ksuerr.New(ksuerr.IoError, "module.sweep", m.opts.TrashDir, err)
	} else if n > 0 {
		m.logger.Debug("trash purged", "entries", n)
	}
	if err := os.RemoveAll(m.opts.UpdateDir); err != nil {
		return removed, ksuerr.New(ksuerr.IoError, "module.sweep", m.opts.UpdateDir, err)
	}
	return removed, nil
}
