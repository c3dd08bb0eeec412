// Package su arbitrates root grants and implements the su entry point.
package su

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/ksuerr"
	"github.com/kernelsu/ksud/internal/mntns"
)

// Namespace joins another process's mount namespace. *mntns.Controller
// satisfies it.
type Namespace interface {
	SwitchTo(pid int) error
}

// Request describes one escalation attempt. It is never persisted.
type Request struct {
	ID     string `json:"id"`
	UID    int    `json:"uid"`
	PID    int    `json:"pid"`
	Global bool   `json:"global"`
}

// Outcome is the result of a Request. Denial is reported here and through
// the returned error.
type Outcome struct {
	Request
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// Arbiter decides and performs root grants for the calling process.
type Arbiter struct {
	hook   kernel.Hook
	ns     Namespace
	logger *slog.Logger

	getuid func() int
	getpid func() int
}

// NewArbiter returns an Arbiter. ns is only used for global grants.
func NewArbiter(hook kernel.Hook, ns Namespace, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Arbiter{hook: hook, ns: ns, logger: logger, getuid: os.Getuid, getpid: os.Getpid}
}

// Grant escalates the calling process. With global set the process first
// joins init's mount namespace; otherwise it stays in its own. Nothing about
// the caller's namespace changes unless the hook is present and answers that
// the caller is allowed.
func (a *Arbiter) Grant(global bool) (Outcome, error) {
	const op = "su.grant"
	out := Outcome{Request: Request{ID: uuid.NewString(), UID: a.getuid(), PID: a.getpid(), Global: global}}
	subject := fmt.Sprintf("uid %d", out.UID)

	deny := func(kind ksuerr.Kind, reason string, err error) (Outcome, error) {
		out.Reason = reason
		a.logger.Warn("root grant denied", "request", out.ID, "uid", out.UID, "pid", out.PID, "global", global, "reason", reason)
		if err == nil {
			err = fmt.Errorf("%s", reason)
		}
		return out, ksuerr.New(kind, op, subject, err)
	}

	if _, err := kernel.Require(a.hook, op); err != nil {
		return deny(ksuerr.NotSupported, "kernel hook not present", err)
	}
	allowed, err := a.hook.UIDGrantedRoot(out.UID)
	if err != nil {
		kind := ksuerr.PermissionDenied
		if ksuerr.Is(err, ksuerr.NotSupported) {
			kind = ksuerr.NotSupported
		}
		return deny(kind, "cannot query the allow list", err)
	}
	if !allowed {
		return deny(ksuerr.PermissionDenied, "not authorized", nil)
	}

	if global {
		if a.ns == nil {
			return deny(ksuerr.NamespaceError, "no namespace controller", nil)
		}
		if err := a.ns.SwitchTo(mntns.InitPID); err != nil {
			return deny(ksuerr.NamespaceError, "cannot join the global mount namespace", err)
		}
	}

	if err := a.hook.GrantRoot(); err != nil {
		kind := ksuerr.PermissionDenied
		if ksuerr.Is(err, ksuerr.NotSupported) {
			kind = ksuerr.NotSupported
		}
		return deny(kind, "kernel refused the grant", err)
	}
	out.Granted = true
	a.logger.Info("root granted", "request", out.ID, "uid", out.UID, "pid", out.PID, "global", global)
	return out, nil
}
