//go:build linux

package overlay

import (
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// SystemMounter mounts read-only overlayfs stacks.
type SystemMounter struct{}

func (SystemMounter) IsMounted(target, source string) (bool, error) {
	mounts, err := mountinfo.GetMounts(func(i *mountinfo.Info) (skip, stop bool) {
		return i.Mountpoint != target || i.FSType != "overlay" || i.Source != source, false
	})
	if err != nil {
		return false, err
	}
	return len(mounts) > 0, nil
}

func (SystemMounter) Overlay(target string, lowerdirs []string, source string) error {
	if len(lowerdirs) < 2 {
		return fmt.Errorf("overlay on %s needs at least two lower directories", target)
	}
	opts := "lowerdir=" + strings.Join(lowerdirs, ":")
	if err := unix.Mount(source, target, "overlay", unix.MS_RDONLY, opts); err != nil {
		return ksuerr.New(ksuerr.IoError, "overlay.mount", target, err)
	}
	return nil
}

func (SystemMounter) Unmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

func (SystemMounter) Clone(target string) (int, error) {
	fd, err := unix.OpenTree(unix.AT_FDCWD, target, unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		return -1, ksuerr.New(ksuerr.IoError, "overlay.clone", target, err)
	}
	return fd, nil
}

func (SystemMounter) Move(fd int, target string) error {
	if err := unix.MoveMount(fd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return ksuerr.New(ksuerr.IoError, "overlay.move", target, err)
	}
	return nil
}

func (SystemMounter) Close(fd int) error {
	return unix.Close(fd)
}

var _ Mounter = SystemMounter{}
