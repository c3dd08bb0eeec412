// Package mntns switches the calling process between mount namespaces.
//
// The canonical sequence is SwitchTo(1) followed by Unshare: join init's
// namespace, then fork a private copy of it so that later mounts start from
// the system's real mount table and do not leak. Both steps are
// irreversible for the lifetime of the process, apart from EnterCanonical,
// which lets a caller move finished work back into the namespace it
// switched to.
package mntns

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// InitPID is the process whose namespace is treated as canonical.
const InitPID = 1

// Syscalls is the system call surface used by Controller.
type Syscalls interface {
	// OpenNS opens the mount namespace handle of pid.
	OpenNS(pid int) (int, error)
	// Setns attaches the calling thread to the namespace behind fd.
	Setns(fd int) error
	// Unshare detaches into a new mount namespace whose mounts do not
	// propagate back to the parent.
	Unshare() error
	Close(fd int) error
}

// Controller tracks which namespace the process is in.
type Controller struct {
	sys    Syscalls
	logger *slog.Logger

	canonicalFD  int
	canonicalPID int
	unshared     bool
	inCanonical  bool
}

// New returns a Controller backed by sys. Pass nil for logger to disable
// logging.
func New(sys Syscalls, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{sys: sys, logger: logger, canonicalFD: -1}
}

// SwitchTo attaches the process to the mount namespace of pid. The handle
// is kept open so EnterCanonical can come back to it after Unshare.
func (c *Controller) SwitchTo(pid int) error {
	if c.unshared {
		return ksuerr.Errorf(ksuerr.NamespaceError, "mntns.switch", fmt.Sprint(pid), "already unshared into a private namespace")
	}
	fd, err := c.sys.OpenNS(pid)
	if err != nil {
		return ksuerr.New(ksuerr.NamespaceError, "mntns.switch", fmt.Sprintf("open /proc/%d/ns/mnt", pid), err)
	}
	if err := c.sys.Setns(fd); err != nil {
		_ = c.sys.Close(fd)
		return ksuerr.New(ksuerr.NamespaceError, "mntns.switch", fmt.Sprint(pid), err)
	}
	if c.canonicalFD >= 0 {
		_ = c.sys.Close(c.canonicalFD)
	}
	c.canonicalFD = fd
	c.canonicalPID = pid
	c.inCanonical = true
	c.logger.Debug("switched mount namespace", "pid", pid)
	return nil
}

// Unshare detaches the process into a private mount namespace. Calling it
// twice is a no-op.
func (c *Controller) Unshare() error {
	if c.unshared {
		return nil
	}
	if err := c.sys.Unshare(); err != nil {
		return ksuerr.New(ksuerr.NamespaceError, "mntns.unshare", "", err)
	}
	c.unshared = true
	c.inCanonical = false
	c.logger.Debug("unshared mount namespace", "from_pid", c.canonicalPID)
	return nil
}

// Enter performs the canonical SwitchTo(InitPID) + Unshare sequence.
func (c *Controller) Enter() error {
	if err := c.SwitchTo(InitPID); err != nil {
		return err
	}
	return c.Unshare()
}

// EnterCanonical re-attaches to the namespace recorded by SwitchTo.
func (c *Controller) EnterCanonical() error {
	if c.canonicalFD < 0 {
		return ksuerr.Errorf(ksuerr.NamespaceError, "mntns.enter_canonical", "", "no canonical namespace recorded")
	}
	if c.inCanonical {
		return nil
	}
	if err := c.sys.Setns(c.canonicalFD); err != nil {
		return ksuerr.New(ksuerr.NamespaceError, "mntns.enter_canonical", fmt.Sprint(c.canonicalPID), err)
	}
	c.inCanonical = true
	return nil
}

// Private reports whether the process currently sits in its own unshared
// namespace.
func (c *Controller) Private() bool { return c.unshared && !c.inCanonical }

// Switched reports whether SwitchTo succeeded at least once.
func (c *Controller) Switched() bool { return c.canonicalFD >= 0 }

// Close releases the canonical namespace handle.
func (c *Controller) Close() error {
	if c.canonicalFD < 0 {
		return nil
	}
	err := c.sys.Close(c.canonicalFD)
	c.canonicalFD = -1
	return err
}
