//go:build linux

package mntns

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// System returns the real namespace system calls.
//
// Mount namespaces are per thread in a Go process. Setns and Unshare lock
// the calling goroutine to its OS thread for the rest of the process, so all
// later work, including child processes and execve, happens from that
// thread.
func System() Syscalls { return linuxSyscalls{} }

type linuxSyscalls struct{}

func (linuxSyscalls) OpenNS(pid int) (int, error) {
	return unix.Open(fmt.Sprintf("/proc/%d/ns/mnt", pid), unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

func (linuxSyscalls) Setns(fd int) error {
	runtime.LockOSThread()
	// setns(CLONE_NEWNS) refuses threads that share fs state.
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		return fmt.Errorf("unshare fs: %w", err)
	}
	return unix.Setns(fd, unix.CLONE_NEWNS)
}

func (linuxSyscalls) Unshare() error {
	runtime.LockOSThread()
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_SLAVE, ""); err != nil {
		return fmt.Errorf("make / rslave: %w", err)
	}
	return nil
}

func (linuxSyscalls) Close(fd int) error { return unix.Close(fd) }
