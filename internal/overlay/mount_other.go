//go:build !linux

package overlay

import "github.com/kernelsu/ksud/internal/ksuerr"

// SystemMounter is unavailable off Linux.
type SystemMounter struct{}

func unsupported(op string) error {
	return ksuerr.Errorf(ksuerr.NotSupported, op, "", "overlay mounts require linux")
}

func (SystemMounter) IsMounted(string, string) (bool, error) { return false, nil }
func (SystemMounter) Overlay(string, []string, string) error { return unsupported("overlay.mount") }
func (SystemMounter) Unmount(string) error                   { return unsupported("overlay.unmount") }
func (SystemMounter) Clone(string) (int, error)              { return -1, unsupported("overlay.clone") }
func (SystemMounter) Move(int, string) error                 { return unsupported("overlay.move") }
func (SystemMounter) Close(int) error                        { return nil }

var _ Mounter = SystemMounter{}
