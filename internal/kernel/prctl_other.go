//go:build !linux

package kernel

import "github.com/kernelsu/ksud/internal/ksuerr"

// Prctl is unavailable outside Linux; every call reports NotSupported.
type Prctl struct{}

func NewPrctl() *Prctl { return &Prctl{} }

func unsupported(op string) error {
	return ksuerr.Errorf(ksuerr.NotSupported, op, "", "kernel hook requires linux")
}

func (p *Prctl) Version() (int32, error)          { return 0, nil }
func (p *Prctl) GrantRoot() error                 { return unsupported("kernel.grant_root") }
func (p *Prctl) BecomeManager(string) error       { return unsupported("kernel.become_manager") }
func (p *Prctl) ReportEvent(Event) error          { return unsupported("kernel.report_event") }
func (p *Prctl) SetSepolicy(PolicyCommand) error  { return unsupported("kernel.set_sepolicy") }
func (p *Prctl) CheckSafeMode() (bool, error)     { return false, unsupported("kernel.check_safemode") }
func (p *Prctl) UIDGrantedRoot(int) (bool, error) { return false, unsupported("kernel.uid_granted_root") }

var _ Hook = (*Prctl)(nil)
