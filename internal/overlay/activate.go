package overlay

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Mounter performs the mount syscalls.
type Mounter interface {
	// IsMounted reports whether target already carries an overlay from
	// source.
	IsMounted(target, source string) (bool, error)
	Overlay(target string, lowerdirs []string, source string) error
	Unmount(target string) error
	// Clone detaches a copy of the mount at target and returns its fd.
	Clone(target string) (int, error)
	// Move attaches a cloned mount at target in the current namespace.
	Move(fd int, target string) error
	Close(fd int) error
}

// Namespace switches back to the canonical mount namespace.
// *mntns.Controller satisfies it.
type Namespace interface {
	EnterCanonical() error
}

// Failure is one contained activation failure.
type Failure struct {
	Target string `json:"target"`
	Module string `json:"module,omitempty"`
	Error  string `json:"error"`
}

// Result summarizes an activation.
type Result struct {
	Mounted  []string  `json:"mounted"`
	Present  []string  `json:"present,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}

// Activator mounts a Plan.
type Activator struct {
	mounter Mounter
	ns      Namespace
	source  string
	logger  *slog.Logger
}

// NewActivator returns an Activator. When ns is non-nil mounts are staged
// in the current (private) namespace and moved into the canonical one only
// after they succeed; with a nil ns they stay where they are made.
func NewActivator(m Mounter, ns Namespace, sourceLabel string, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sourceLabel == "" {
		sourceLabel = "KSU"
	}
	return &Activator{mounter: m, ns: ns, source: sourceLabel, logger: logger}
}

// Activate mounts every target of plan. A target or module that fails is
// logged, recorded and skipped. The returned error is reserved for failing
// to reach the canonical namespace.
func (a *Activator) Activate(plan *Plan) (*Result, error) {
	res := &Result{}
	type staged struct {
		target string
		fd     int
	}
	var clones []staged

	for _, t := range plan.Targets {
		if mounted, err := a.mounter.IsMounted(t.Path, a.source); err == nil && mounted {
			a.logger.Debug("overlay already present", "target", t.Path)
			res.Present = append(res.Present, t.Path)
			continue
		}
		t, bad := a.mountTarget(t)
		mods := make([]string, 0, len(bad))
		for mod := range bad {
			mods = append(mods, mod)
		}
		sort.Strings(mods)
		for _, mod := range mods {
			res.Failures = append(res.Failures, Failure{Target: t.Path, Module: mod, Error: bad[mod].Error()})
		}
		if len(t.Layers) == 0 {
			continue
		}
		if a.ns == nil {
			res.Mounted = append(res.Mounted, t.Path)
			continue
		}
		fd, err := a.mounter.Clone(t.Path)
		if err != nil {
			a.logger.Warn("overlay clone failed", "target", t.Path, "error", err)
			res.Failures = append(res.Failures, Failure{Target: t.Path, Error: err.Error()})
			continue
		}
		clones = append(clones, staged{target: t.Path, fd: fd})
	}

	if len(clones) == 0 {
		a.logger.Info("overlay activated", "mounted", len(res.Mounted), "failures", len(res.Failures))
		return res, nil
	}
	defer func() {
		for _, c := range clones {
			_ = a.mounter.Close(c.fd)
		}
	}()
	if err := a.ns.EnterCanonical(); err != nil {
		return res, err
	}
	for _, c := range clones {
		if err := a.mounter.Move(c.fd, c.target); err != nil {
			a.logger.Warn("overlay propagation failed", "target", c.target, "error", err)
			res.Failures = append(res.Failures, Failure{Target: c.target, Error: err.Error()})
			continue
		}
		res.Mounted = append(res.Mounted, c.target)
	}
	a.logger.Info("overlay activated", "mounted", len(res.Mounted), "failures", len(res.Failures))
	return res, nil
}

// mountTarget mounts t. When the combined mount fails each layer is probed
// alone and the layers that cannot mount are dropped before retrying. It
// returns the target as mounted (no layers if nothing mounted) and the
// per-module errors.
func (a *Activator) mountTarget(t Target) (Target, map[string]error) {
	bad := map[string]error{}
	if err := checkLayers(t); err != nil {
		for _, l := range t.Layers {
			if checkPath(l.Source) != nil {
				bad[l.Module] = err
			}
		}
		t = dropLayers(t, bad)
		if len(bad) == 0 {
			bad[""] = err
			return Target{Path: t.Path}, bad
		}
	}
	if len(t.Layers) == 0 {
		return t, bad
	}

	err := a.mounter.Overlay(t.Path, t.LowerDirs(), a.source)
	if err == nil {
		a.logger.Debug("overlay mounted", "target", t.Path, "layers", len(t.Layers))
		return t, bad
	}
	a.logger.Warn("overlay mount failed, probing layers", "target", t.Path, "error", err)

	for _, l := range t.Layers {
		single := Target{Path: t.Path, Layers: []Layer{l}}
		if perr := a.mounter.Overlay(t.Path, single.LowerDirs(), a.source); perr != nil {
			a.logger.Warn("module layer rejected", "module", l.Module, "target", t.Path, "error", perr)
			bad[l.Module] = ksuerr.New(ksuerr.IoError, "overlay.mount", t.Path, perr)
			continue
		}
		_ = a.mounter.Unmount(t.Path)
	}
	t = dropLayers(t, bad)
	if len(t.Layers) == 0 {
		return t, bad
	}
	if err := a.mounter.Overlay(t.Path, t.LowerDirs(), a.source); err != nil {
		for _, l := range t.Layers {
			bad[l.Module] = ksuerr.New(ksuerr.IoError, "overlay.mount", t.Path, err)
		}
		return Target{Path: t.Path}, bad
	}
	return t, bad
}

func dropLayers(t Target, bad map[string]error) Target {
	out := Target{Path: t.Path}
	for _, l := range t.Layers {
		if _, drop := bad[l.Module]; !drop {
			out.Layers = append(out.Layers, l)
		}
	}
	return out
}

// checkPath rejects paths that would corrupt the overlayfs option string.
// ':' separates lowerdirs and ',' separates options.
func checkPath(p string) error {
	if strings.ContainsAny(p, ":,\x00\n\r") {
		return fmt.Errorf("path %q contains characters that cannot appear in overlay options", p)
	}
	return nil
}

func checkLayers(t Target) error {
	for _, dir := range t.LowerDirs() {
		if err := checkPath(dir); err != nil {
			return err
		}
	}
	return nil
}
