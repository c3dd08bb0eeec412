package module

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sys/unix"

	"github.com/kernelsu/ksud/internal/config"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 1 << 30

// Install installs the module package at zipPath. A package whose id is
// already installed replaces the old tree, which is diverted to the trash
// until the next sweep.
func (m *Manager) Install(ctx context.Context, zipPath string) (Module, error) {
	const op = "module.install"

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Module{}, ksuerr.New(ksuerr.NotFound, op, zipPath, err)
		}
		return Module{}, ksuerr.New(ksuerr.InvalidPackage, op, zipPath, err)
	}
	defer zr.Close()

	prop, err := readPackageProp(zr.File)
	if err != nil {
		return Module{}, ksuerr.New(ksuerr.InvalidPackage, op, zipPath, err)
	}
	if err := checkEntries(zr.File); err != nil {
		return Module{}, ksuerr.New(ksuerr.InvalidPackage, op, prop.ID, err)
	}

	target := filepath.Join(m.opts.ModulesDir, prop.ID)
	var prior *Module
	if exists(target) {
		if old, err := load(target, m.opts.DefaultPriority); err == nil {
			prior = &old
		} else {
			m.logger.Warn("replacing unreadable module", "module", prop.ID, "error", err)
		}
	}
	if prior != nil {
		if err := m.checkDirection(*prior, prop); err != nil {
			return Module{}, err
		}
	}

	staging := filepath.Join(m.opts.UpdateDir, prop.ID)
	if err := os.RemoveAll(staging); err != nil {
		return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
	}
	if err := extract(zr.File, staging); err != nil {
		_ = os.RemoveAll(staging)
		return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
	}
	// A package cannot ship its own state.
	for _, marker := range stateMarkers {
		_ = os.Remove(filepath.Join(staging, marker))
	}

	if m.opts.RunCustomize && isRegular(filepath.Join(staging, CustomizeFile)) {
		env := m.scriptEnv(staging)
		env["ZIPFILE"] = zipPath
		if _, err := m.runScript(ctx, op, prop.ID, filepath.Join(staging, CustomizeFile), staging, env); err != nil {
			_ = os.RemoveAll(staging)
			return Module{}, err
		}
	}

	priority := m.priorityFor(prop, prior)
	if err := writePriority(staging, priority); err != nil {
		_ = os.RemoveAll(staging)
		return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
	}

	state := Enabled
	if exists(target) {
		prev := Enabled
		if prior != nil {
			prev = prior.State
		}
		state = m.stateAfterUpdate(prev, prop)
		if err := m.replace(prop.ID, target, staging, prev); err != nil {
			return Module{}, err
		}
	} else {
		if err := os.MkdirAll(m.opts.ModulesDir, 0o755); err != nil {
			return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
		}
		if err := os.Rename(staging, target); err != nil {
			_ = os.RemoveAll(staging)
			return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
		}
	}
	if err := writeState(target, state); err != nil {
		return Module{}, ksuerr.New(ksuerr.IoError, op, prop.ID, err)
	}

	mod, err := load(target, m.opts.DefaultPriority)
	if err != nil {
		return Module{}, ksuerr.New(ksuerr.InvalidPackage, op, prop.ID, err)
	}
	m.logger.Info("module installed", "module", mod.ID, "version", mod.Version,
		"priority", mod.Priority, "state", mod.State.String(), "update", prior != nil)
	return mod, nil
}

// replace diverts the installed tree and moves the staged one in its place.
// The old tree is put back if the move fails.
func (m *Manager) replace(id, target, staging string, prev State) error {
	entry, err := divert(m.opts.TrashDir, id, target, prev)
	if err != nil {
		_ = os.RemoveAll(staging)
		return ksuerr.New(ksuerr.IoError, "module.install", id, err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		if rerr := restore(m.opts.TrashDir, entry); rerr != nil {
			m.logger.Error("previous module tree not restored", "module", id, "trash", entry.TrashPath, "error", rerr)
		}
		return ksuerr.New(ksuerr.IoError, "module.install", id, err)
	}
	m.logger.Debug("previous module tree diverted", "module", id, "token", entry.Token)
	return nil
}

// stateAfterUpdate decides the state of a reinstalled module. With reset,
// or when the package asks for it, the module comes back Enabled.
// Otherwise a disabled module stays disabled and any other module is
// marked Updating; reinstalling cancels a pending removal.
func (m *Manager) stateAfterUpdate(prev State, prop Prop) State {
	if m.opts.UpdateState == config.UpdateStateReset || prop.UpdateReset {
		return Enabled
	}
	if prev == Disabled {
		return Disabled
	}
	return Updating
}

// priorityFor keeps a declared priority, then the replaced module's, and
// otherwise places a new module after every installed one.
func (m *Manager) priorityFor(prop Prop, prior *Module) int {
	if prop.Priority != nil {
		return *prop.Priority
	}
	if prior != nil {
		return prior.Priority
	}
	mods := m.List()
	if len(mods) == 0 {
		return m.opts.DefaultPriority
	}
	highest := mods[0].Priority
	for _, mod := range mods[1:] {
		if mod.Priority > highest {
			highest = mod.Priority
		}
	}
	return highest + m.opts.PriorityStep
}

// checkDirection logs whether an update moves the version up or down and
// rejects downgrades when they are not allowed.
func (m *Manager) checkDirection(old Module, prop Prop) error {
	cmp := 0
	vOld, errOld := semver.NewVersion(old.Version)
	vNew, errNew := semver.NewVersion(prop.Version)
	if errOld == nil && errNew == nil {
		cmp = vNew.Compare(vOld)
	} else if prop.VersionCode != old.VersionCode {
		cmp = 1
		if prop.VersionCode < old.VersionCode {
			cmp = -1
		}
	}
	direction := map[int]string{-1: "downgrade", 0: "reinstall", 1: "upgrade"}[cmp]
	m.logger.Info("module update", "module", prop.ID, "from", old.Version, "to", prop.Version, "direction", direction)
	if cmp < 0 && !m.opts.AllowDowngrade {
		return ksuerr.Errorf(ksuerr.InvalidPackage, "module.install", prop.ID,
			"downgrade from %s to %s not allowed", old.Version, prop.Version)
	}
	return nil
}

func readPackageProp(files []*zip.File) (Prop, error) {
	for _, f := range files {
		if path.Clean(f.Name) != PropFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Prop{}, err
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, 64<<10))
		if err != nil {
			return Prop{}, err
		}
		return ParseProp(bytes.NewReader(b))
	}
	return Prop{}, errors.New("package has no module.prop at its root")
}

// checkEntries rejects absolute names, parent references, repeated names and
// entries that would be written through a symlink declared by the archive.
func checkEntries(files []*zip.File) error {
	links := map[string]bool{}
	seen := map[string]bool{}
	for _, f := range files {
		name := f.Name
		if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") || filepath.IsAbs(name) {
			return fmt.Errorf("entry %q: absolute or malformed path", name)
		}
		for _, part := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
			if part == ".." {
				return fmt.Errorf("entry %q: path traversal", name)
			}
		}
		clean := path.Clean(name)
		if links[clean] {
			return fmt.Errorf("entry %q: written through symlink %q", name, clean)
		}
		isDir := f.Mode().IsDir()
		if prevDir, ok := seen[clean]; ok && !(prevDir && isDir) {
			return fmt.Errorf("entry %q: declared more than once", name)
		}
		seen[clean] = isDir
		for dir := path.Dir(clean); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if links[dir] {
				return fmt.Errorf("entry %q: written through symlink %q", name, dir)
			}
		}
		if f.Mode()&os.ModeSymlink != 0 {
			links[clean] = true
		}
	}
	return nil
}

func extract(files []*zip.File, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		target := filepath.Join(dest, filepath.FromSlash(path.Clean(f.Name)))
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			if err := extractSymlink(f, target); err != nil {
				return err
			}
		default:
			if err := extractFile(f, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractSymlink(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	link, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(string(link), target)
}

func extractFile(f *zip.File, target string) error {
	if f.UncompressedSize64 > maxEntrySize {
		return fmt.Errorf("entry %q too large", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|unix.O_NOFOLLOW, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxEntrySize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
