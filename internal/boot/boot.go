// Package boot runs the work attached to each boot checkpoint the kernel
// hook invokes ksud at.
package boot

import (
	"context"
	"io"
	"log/slog"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/module"
	"github.com/kernelsu/ksud/internal/mntns"
	"github.com/kernelsu/ksud/internal/overlay"
	"github.com/kernelsu/ksud/internal/profile"
)

// Namespace is the mount namespace surface the early checkpoint needs.
// *mntns.Controller satisfies it.
type Namespace interface {
	SwitchTo(pid int) error
	Unshare() error
	EnterCanonical() error
}

// PolicyApplier applies a policy patch file. *sepolicy.Engine satisfies it.
type PolicyApplier interface {
	ApplyFile(path string) (int, error)
}

// ProfileApplier re-applies stored profiles. *profile.Service satisfies it.
type ProfileApplier interface {
	ApplyAll(ctx context.Context) (profile.ApplyReport, error)
}

// Failure is one contained failure during a checkpoint.
type Failure struct {
	Step    string `json:"step"`
	Subject string `json:"subject,omitempty"`
	Error   string `json:"error"`
}

// Report summarizes one checkpoint run.
type Report struct {
	Checkpoint string   `json:"checkpoint"`
	SafeMode   bool     `json:"safe_mode,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Disabled   int      `json:"disabled,omitempty"`
	// Policies counts module sepolicy.rule files applied in full.
	Policies   int       `json:"policies"`
	Statements int       `json:"statements"`
	Profiles   int       `json:"profiles"`
	Props      int       `json:"props"`
	Scripts    int       `json:"scripts"`
	Mounted    []string  `json:"mounted,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

func (r *Report) fail(step, subject string, err error) {
	r.Failures = append(r.Failures, Failure{Step: step, Subject: subject, Error: err.Error()})
}

// Deps are the collaborators of a Sequencer. Profiles may be nil.
type Deps struct {
	Hook      kernel.Hook
	Namespace Namespace
	Modules   *module.Manager
	Policy    PolicyApplier
	Profiles  ProfileApplier
	Mounter   overlay.Mounter
	Plan      overlay.PlanOptions
	// SourceLabel tags overlay mounts; see overlay.NewActivator.
	SourceLabel string
	Logger      *slog.Logger
}

// Sequencer runs the boot checkpoints.
type Sequencer struct {
	d      Deps
	logger *slog.Logger
}

func New(d Deps) *Sequencer {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sequencer{d: d, logger: logger.With("component", "boot")}
}

func (s *Sequencer) report(r *Report, ev kernel.Event) {
	if err := s.d.Hook.ReportEvent(ev); err != nil {
		s.logger.Warn("event not reported", "event", ev.String(), "error", err)
		r.fail("report_event", ev.String(), err)
	}
}

// safeMode asks the hook once per checkpoint. An absent hook or a failed
// query counts as a normal boot.
func (s *Sequencer) safeMode(r *Report) bool {
	if _, err := kernel.Require(s.d.Hook, "boot.safe_mode"); err != nil {
		return false
	}
	safe, err := s.d.Hook.CheckSafeMode()
	if err != nil {
		s.logger.Warn("safe mode query failed", "error", err)
		r.fail("safe_mode", "", err)
		return false
	}
	return safe
}

// OnEarlyFsReady runs the post-fs-data checkpoint: join init's namespace,
// sweep removals, apply module policies and stored profiles, load module
// properties, run post-fs-data scripts, then unshare and activate the
// overlay. Failures of single modules, profiles or targets are contained
// in the report; the error is reserved for namespace failures.
func (s *Sequencer) OnEarlyFsReady(ctx context.Context) (*Report, error) {
	r := &Report{Checkpoint: kernel.EventPostFsData.String()}
	s.report(r, kernel.EventPostFsData)

	if err := s.d.Namespace.SwitchTo(mntns.InitPID); err != nil {
		return r, err
	}

	removed, err := s.d.Modules.Sweep(ctx)
	r.Removed = removed
	if err != nil {
		s.logger.Warn("sweep incomplete", "error", err)
		r.fail("sweep", "", err)
	}

	r.SafeMode = s.safeMode(r)
	if r.SafeMode {
		n, err := s.d.Modules.DisableAll()
		r.Disabled = n
		if err != nil {
			r.fail("safe_mode", "", err)
		}
	} else {
		s.applyModulePolicies(r)
	}

	s.applyProfiles(ctx, r)

	if r.SafeMode {
		s.logger.Warn("safe mode: skipping module properties, scripts and overlay")
		return r, nil
	}

	n, errs := s.d.Modules.LoadSystemProps(ctx)
	r.Props = n
	for _, err := range errs {
		r.fail("system_prop", "", err)
	}
	s.runStage(ctx, r, module.StagePostFsData)

	if err := s.d.Namespace.Unshare(); err != nil {
		return r, err
	}
	s.activate(r)
	s.report(r, kernel.EventModuleMounted)

	s.logger.Info("post-fs-data done", "mounted", len(r.Mounted), "failures", len(r.Failures))
	return r, nil
}

func (s *Sequencer) applyModulePolicies(r *Report) {
	for _, mod := range s.d.Modules.List() {
		if !mod.Active() || !mod.HasSepolicy {
			continue
		}
		n, err := s.d.Policy.ApplyFile(mod.Path(module.SepolicyFile))
		r.Statements += n
		if err != nil {
			s.logger.Warn("module sepolicy not fully applied", "module", mod.ID, "applied", n, "error", err)
			r.fail("sepolicy", mod.ID, err)
			continue
		}
		r.Policies++
	}
}

func (s *Sequencer) applyProfiles(ctx context.Context, r *Report) {
	if s.d.Profiles == nil {
		return
	}
	rep, err := s.d.Profiles.ApplyAll(ctx)
	if err != nil {
		s.logger.Warn("profiles not applied", "error", err)
		r.fail("profile", "", err)
		return
	}
	r.Profiles = rep.Profiles
	r.Statements += rep.Statements
	for _, f := range rep.Failures {
		r.Failures = append(r.Failures, Failure{Step: "profile", Subject: f.Package, Error: f.Error})
	}
}

func (s *Sequencer) activate(r *Report) {
	plan, err := overlay.BuildPlan(s.d.Modules.List(), s.d.Plan)
	if err != nil {
		r.fail("overlay", "", err)
		return
	}
	res, err := overlay.NewActivator(s.d.Mounter, s.d.Namespace, s.d.SourceLabel, s.logger).Activate(plan)
	if res != nil {
		for _, f := range res.Failures {
			r.Failures = append(r.Failures, Failure{Step: "overlay", Subject: failureSubject(f), Error: f.Error})
		}
		r.Mounted = append(r.Mounted, res.Mounted...)
	}
	if err != nil {
		s.logger.Warn("overlay not propagated", "error", err)
		r.fail("overlay", "", err)
	}
}

func failureSubject(f overlay.Failure) string {
	if f.Module == "" {
		return f.Target
	}
	return f.Module + " " + f.Target
}

func (s *Sequencer) runStage(ctx context.Context, r *Report, stage module.Stage) {
	n, errs := s.d.Modules.RunStage(ctx, stage)
	r.Scripts += n
	for _, err := range errs {
		r.fail(string(stage), "", err)
	}
}

// OnServicesStart runs service scripts unless the device is in safe mode.
func (s *Sequencer) OnServicesStart(ctx context.Context) (*Report, error) {
	r := &Report{Checkpoint: string(module.StageService)}
	if r.SafeMode = s.safeMode(r); r.SafeMode {
		return r, nil
	}
	s.runStage(ctx, r, module.StageService)
	return r, nil
}

// OnBootCompleted reports the event and runs boot-completed scripts unless
// the device is in safe mode.
func (s *Sequencer) OnBootCompleted(ctx context.Context) (*Report, error) {
	r := &Report{Checkpoint: kernel.EventBootCompleted.String()}
	s.report(r, kernel.EventBootCompleted)
	if r.SafeMode = s.safeMode(r); r.SafeMode {
		return r, nil
	}
	s.runStage(ctx, r, module.StageBootCompleted)
	return r, nil
}
