// Package module manages installed modules under the modules directory:
// their metadata, state markers, install and removal, and the scripts they
// ship for each boot stage.
package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// State is the lifecycle state of an installed module.
type State int

const (
	Enabled State = iota
	Disabled
	PendingRemoval
	Updating
)

func (s State) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case PendingRemoval:
		return "pending_removal"
	case Updating:
		return "updating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Files inside a module root.
const (
	PropFile       = "module.prop"
	PriorityFile   = "priority"
	ActionScript   = "action.sh"
	UninstallFile  = "uninstall.sh"
	CustomizeFile  = "customize.sh"
	SepolicyFile   = "sepolicy.rule"
	SystemPropFile = "system.prop"

	markerDisable   = "disable"
	markerRemove    = "remove"
	markerUpdate    = "update"
	MarkerSkipMount = "skip_mount"
)

// stateMarkers are mutually exclusive; at most one exists per module.
var stateMarkers = []string{markerDisable, markerRemove, markerUpdate}

// Module is one installed module as found on disk.
type Module struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	VersionCode int64  `json:"versionCode"`
	Author      string `json:"author"`
	Description string `json:"description"`
	State       State  `json:"state"`
	Priority    int    `json:"priority"`
	Dir         string `json:"dir"`
	SkipMount   bool   `json:"skipMount"`
	HasAction   bool   `json:"action"`
	HasSepolicy bool   `json:"sepolicy"`
}

// Active reports whether the module's content is in use: Enabled, or
// Updating with freshly installed content.
func (m Module) Active() bool {
	return m.State == Enabled || m.State == Updating
}

// Path joins elem onto the module root.
func (m Module) Path(elem ...string) string {
	return filepath.Join(append([]string{m.Dir}, elem...)...)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isRegular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// stateOf derives the state from marker files. Removal wins over update,
// update over disable.
func stateOf(dir string) State {
	switch {
	case exists(filepath.Join(dir, markerRemove)):
		return PendingRemoval
	case exists(filepath.Join(dir, markerUpdate)):
		return Updating
	case exists(filepath.Join(dir, markerDisable)):
		return Disabled
	default:
		return Enabled
	}
}

// markerFor is the marker file that encodes s, or "" for Enabled.
func markerFor(s State) string {
	switch s {
	case Disabled:
		return markerDisable
	case PendingRemoval:
		return markerRemove
	case Updating:
		return markerUpdate
	}
	return ""
}

// writeState replaces the module's state markers with the one for s.
func writeState(dir string, s State) error {
	want := markerFor(s)
	for _, m := range stateMarkers {
		if m == want {
			continue
		}
		if err := os.Remove(filepath.Join(dir, m)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if want == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(dir, want), nil, 0o644)
}

func readPriority(dir string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(dir, PriorityFile))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return n, true
}

func writePriority(dir string, n int) error {
	return os.WriteFile(filepath.Join(dir, PriorityFile), []byte(strconv.Itoa(n)+"\n"), 0o644)
}

// load reads the module rooted at dir.
func load(dir string, defaultPriority int) (Module, error) {
	f, err := os.Open(filepath.Join(dir, PropFile))
	if err != nil {
		return Module{}, err
	}
	defer f.Close()
	p, err := ParseProp(f)
	if err != nil {
		return Module{}, err
	}

	m := Module{
		ID:          filepath.Base(dir),
		Name:        p.Name,
		Version:     p.Version,
		VersionCode: p.VersionCode,
		Author:      p.Author,
		Description: p.Description,
		State:       stateOf(dir),
		Dir:         dir,
		SkipMount:   exists(filepath.Join(dir, MarkerSkipMount)),
		HasAction:   isRegular(filepath.Join(dir, ActionScript)),
		HasSepolicy: isRegular(filepath.Join(dir, SepolicyFile)),
	}
	switch prio, ok := readPriority(dir); {
	case ok:
		m.Priority = prio
	case p.Priority != nil:
		m.Priority = *p.Priority
	default:
		m.Priority = defaultPriority
	}
	return m, nil
}
