// Package kernel talks to the in-kernel privilege hook.
//
// The hook is reached through a reserved prctl option. Its feature set
// depends on the kernel build, so callers query Capabilities once per
// operation and treat an absent hook as ksuerr.NotSupported.
package kernel

import (
	"fmt"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Event is a lifecycle checkpoint reported to the hook.
type Event uint32

const (
	EventPostFsData    Event = 1
	EventBootCompleted Event = 2
	EventModuleMounted Event = 3
)

func (e Event) String() string {
	switch e {
	case EventPostFsData:
		return "post-fs-data"
	case EventBootCompleted:
		return "boot-completed"
	case EventModuleMounted:
		return "module-mounted"
	default:
		return fmt.Sprintf("event(%d)", uint32(e))
	}
}

// Policy command families understood by the hook's live-patch handler.
const (
	PolicyNormalPerm     uint32 = 1
	PolicyXperm          uint32 = 2
	PolicyTypeState      uint32 = 3
	PolicyType           uint32 = 4
	PolicyTypeAttr       uint32 = 5
	PolicyAttr           uint32 = 6
	PolicyTypeTransition uint32 = 7
	PolicyTypeChange     uint32 = 8
	PolicyGenfscon       uint32 = 9
)

// PolicyCommand is one atomic live-patch edit. An empty Args entry is sent
// as a null pointer, which the hook reads as "all".
type PolicyCommand struct {
	Cmd    uint32
	Subcmd uint32
	Args   [7]string
}

// Hook is the kernel privilege hook boundary.
type Hook interface {
	// Version returns the hook version; 0 means no hook is present.
	Version() (int32, error)
	GrantRoot() error
	BecomeManager(pkg string) error
	ReportEvent(ev Event) error
	SetSepolicy(cmd PolicyCommand) error
	CheckSafeMode() (bool, error)
	UIDGrantedRoot(uid int) (bool, error)
}

// Capabilities is the result of probing a Hook.
type Capabilities struct {
	Present bool
	Version int32
}

// Probe queries the hook once.
func Probe(h Hook) Capabilities {
	if h == nil {
		return Capabilities{}
	}
	v, err := h.Version()
	if err != nil || v <= 0 {
		return Capabilities{}
	}
	return Capabilities{Present: true, Version: v}
}

// Require returns a NotSupported error for op when the hook is absent.
func Require(h Hook, op string) (Capabilities, error) {
	caps := Probe(h)
	if !caps.Present {
		return caps, ksuerr.Errorf(ksuerr.NotSupported, op, "", "kernel hook not present")
	}
	return caps, nil
}
