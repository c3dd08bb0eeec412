//go:build linux

package kernel

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Reserved prctl option; the hook writes reply back into the result slot.
const (
	prctlOption uintptr = 0xDEADBEEF
	replyOK     uint32  = 0xDEADBEEF
)

const (
	cmdGrantRoot      = 0
	cmdBecomeManager  = 1
	cmdGetVersion     = 2
	cmdReportEvent    = 7
	cmdSetSepolicy    = 8
	cmdCheckSafemode  = 9
	cmdUIDGrantedRoot = 12
)

// sepolData mirrors the hook's policy command layout.
type sepolData struct {
	cmd    uint32
	subcmd uint32
	sepol  [7]*byte
}

// Prctl is the production Hook.
type Prctl struct{}

// NewPrctl returns the prctl-backed hook.
func NewPrctl() *Prctl { return &Prctl{} }

func (p *Prctl) call(cmd, arg2, arg3 uintptr) (uint32, error) {
	var result uint32
	_, _, errno := unix.Syscall6(unix.SYS_PRCTL, prctlOption, cmd, arg2, arg3, uintptr(unsafe.Pointer(&result)), 0)
	if errno != 0 {
		return result, errno
	}
	return result, nil
}

func (p *Prctl) Version() (int32, error) {
	var version int32
	_, _, errno := unix.Syscall6(unix.SYS_PRCTL, prctlOption, cmdGetVersion, uintptr(unsafe.Pointer(&version)), 0, 0, 0)
	if errno != 0 && errno != unix.EINVAL {
		return 0, errno
	}
	return version, nil
}

func (p *Prctl) GrantRoot() error {
	res, err := p.call(cmdGrantRoot, 0, 0)
	if err != nil {
		return ksuerr.New(ksuerr.PermissionDenied, "kernel.grant_root", "", err)
	}
	if res != replyOK {
		return ksuerr.Errorf(ksuerr.PermissionDenied, "kernel.grant_root", "", "hook refused")
	}
	return nil
}

func (p *Prctl) BecomeManager(pkg string) error {
	b, err := unix.BytePtrFromString(pkg)
	if err != nil {
		return err
	}
	res, err := p.call(cmdBecomeManager, uintptr(unsafe.Pointer(b)), 0)
	runtime.KeepAlive(b)
	if err != nil {
		return ksuerr.New(ksuerr.PermissionDenied, "kernel.become_manager", pkg, err)
	}
	if res != replyOK {
		return ksuerr.Errorf(ksuerr.PermissionDenied, "kernel.become_manager", pkg, "hook refused")
	}
	return nil
}

func (p *Prctl) ReportEvent(ev Event) error {
	if _, err := p.call(cmdReportEvent, uintptr(ev), 0); err != nil {
		return fmt.Errorf("report %s: %w", ev, err)
	}
	return nil
}

func (p *Prctl) SetSepolicy(cmd PolicyCommand) error {
	data := sepolData{cmd: cmd.Cmd, subcmd: cmd.Subcmd}
	for i, arg := range cmd.Args {
		if arg == "" {
			continue
		}
		b, err := unix.BytePtrFromString(arg)
		if err != nil {
			return ksuerr.New(ksuerr.ParseError, "kernel.set_sepolicy", arg, err)
		}
		data.sepol[i] = b
	}
	res, err := p.call(cmdSetSepolicy, 0, uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(&data)
	if err != nil {
		if err == unix.EINVAL || err == unix.ENOSYS {
			return ksuerr.New(ksuerr.NotSupported, "kernel.set_sepolicy", "", err)
		}
		return ksuerr.New(ksuerr.KernelPolicyError, "kernel.set_sepolicy", "", err)
	}
	if res != replyOK {
		return ksuerr.Errorf(ksuerr.KernelPolicyError, "kernel.set_sepolicy", "", "hook rejected command %d/%d", cmd.Cmd, cmd.Subcmd)
	}
	return nil
}

func (p *Prctl) CheckSafeMode() (bool, error) {
	res, err := p.call(cmdCheckSafemode, 0, 0)
	if err != nil {
		return false, err
	}
	return res == replyOK, nil
}

func (p *Prctl) UIDGrantedRoot(uid int) (bool, error) {
	res, err := p.call(cmdUIDGrantedRoot, uintptr(uid), 0)
	if err != nil {
		return false, err
	}
	return res == replyOK, nil
}

var _ Hook = (*Prctl)(nil)
