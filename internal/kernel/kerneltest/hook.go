// Package kerneltest provides an in-memory kernel.Hook for tests.
package kerneltest

import (
	"errors"
	"sync"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Hook records every call. The zero value behaves like an absent hook;
// use New for a present one.
type Hook struct {
	mu sync.Mutex

	Ver      int32
	SafeMode bool
	// Granted lists uids the hook would escalate.
	Granted map[int]bool
	// GrantErr, when set, is returned by GrantRoot.
	GrantErr error
	// QueryErr, when set, is returned by UIDGrantedRoot.
	QueryErr error
	// PolicyErr decides per command whether SetSepolicy fails.
	PolicyErr func(kernel.PolicyCommand) error

	Grants   int
	Managers []string
	Events   []kernel.Event
	Policy   []kernel.PolicyCommand
}

// New returns a present hook with the given version.
func New(version int32) *Hook {
	return &Hook{Ver: version, Granted: map[int]bool{}}
}

func (h *Hook) Version() (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Ver, nil
}

func (h *Hook) absent(op string) error {
	if h.Ver <= 0 {
		return ksuerr.Errorf(ksuerr.NotSupported, op, "", "kernel hook not present")
	}
	return nil
}

func (h *Hook) GrantRoot() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.grant_root"); err != nil {
		return err
	}
	if h.GrantErr != nil {
		return h.GrantErr
	}
	h.Grants++
	return nil
}

func (h *Hook) BecomeManager(pkg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.become_manager"); err != nil {
		return err
	}
	h.Managers = append(h.Managers, pkg)
	return nil
}

func (h *Hook) ReportEvent(ev kernel.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.report_event"); err != nil {
		return err
	}
	h.Events = append(h.Events, ev)
	return nil
}

func (h *Hook) SetSepolicy(cmd kernel.PolicyCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.set_sepolicy"); err != nil {
		return err
	}
	if h.PolicyErr != nil {
		if err := h.PolicyErr(cmd); err != nil {
			return err
		}
	}
	h.Policy = append(h.Policy, cmd)
	return nil
}

func (h *Hook) CheckSafeMode() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.check_safemode"); err != nil {
		return false, err
	}
	return h.SafeMode, nil
}

func (h *Hook) UIDGrantedRoot(uid int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.absent("kernel.uid_granted_root"); err != nil {
		return false, err
	}
	if h.QueryErr != nil {
		return false, h.QueryErr
	}
	return uid == 0 || h.Granted[uid], nil
}

// PolicyCount returns the number of accepted policy commands.
func (h *Hook) PolicyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Policy)
}

// RejectArg makes SetSepolicy fail with KernelPolicyError whenever any
// argument equals name.
func RejectArg(name string) func(kernel.PolicyCommand) error {
	return func(cmd kernel.PolicyCommand) error {
		for _, a := range cmd.Args {
			if a == name {
				return ksuerr.New(ksuerr.KernelPolicyError, "kernel.set_sepolicy", name, errors.New("invalid name"))
			}
		}
		return nil
	}
}

var _ kernel.Hook = (*Hook)(nil)
