package sepolicy

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Target receives atomic policy edits. kernel.Hook satisfies it, as does
// the in-memory Policy.
type Target interface {
	SetSepolicy(cmd kernel.PolicyCommand) error
}

// Engine applies patches to a Target.
//
// Application is live and non-transactional: statements are applied in
// order, the first failing statement stops the run, and statements already
// applied stay applied.
type Engine struct {
	target Target
	opts   ParseOptions
	logger *slog.Logger
}

// NewEngine returns an Engine writing to target. Pass nil for logger to
// disable logging.
func NewEngine(target Target, opts ParseOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{target: target, opts: opts, logger: logger}
}

// requireLive checks once per operation that a kernel target can take edits.
func (e *Engine) requireLive(op string) error {
	if h, ok := e.target.(kernel.Hook); ok {
		if _, err := kernel.Require(h, op); err != nil {
			return err
		}
	}
	return nil
}

// Apply applies patch and returns how many statements succeeded.
func (e *Engine) Apply(patch Patch) (int, error) {
	if err := e.requireLive("sepolicy.apply"); err != nil {
		return 0, err
	}
	applied := 0
	for _, st := range patch {
		if err := e.applyStatement(st); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ApplyText parses and applies text statement by statement, so a malformed
// statement at position k leaves the k-1 statements before it applied.
func (e *Engine) ApplyText(text string) (int, error) {
	if err := e.requireLive("sepolicy.apply"); err != nil {
		return 0, err
	}
	applied := 0
	for _, src := range splitStatements(text) {
		st, err := parseAt(src, e.opts)
		if err != nil {
			e.logger.Warn("sepolicy statement rejected", "line", src.line, "statement", src.text, "error", err)
			return applied, err
		}
		if err := e.applyStatement(st); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ApplyFile reads path and applies its statements.
func (e *Engine) ApplyFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ksuerr.New(ksuerr.NotFound, "sepolicy.apply_file", path, err)
		}
		return 0, ksuerr.New(ksuerr.IoError, "sepolicy.apply_file", path, err)
	}
	n, err := e.ApplyText(string(b))
	if err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}
	e.logger.Debug("sepolicy file applied", "path", path, "statements", n)
	return n, nil
}

// Check validates text without touching the live policy.
func (e *Engine) Check(text string) error {
	patch, err := ParsePatch(text, e.opts)
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return ksuerr.Errorf(ksuerr.ParseError, "sepolicy.check", "", "no statements")
	}
	return nil
}

func (e *Engine) applyStatement(st Statement) error {
	for _, atom := range st.Atoms() {
		if err := e.target.SetSepolicy(atom); err != nil {
			kind := ksuerr.KindOf(err)
			if kind != ksuerr.NotSupported {
				kind = ksuerr.KernelPolicyError
			}
			e.logger.Warn("sepolicy statement failed", "line", st.Line, "statement", st.String(), "error", err)
			return ksuerr.New(kind, "sepolicy.apply", fmt.Sprintf("line %d: %q", st.Line, st.String()), err)
		}
	}
	return nil
}
