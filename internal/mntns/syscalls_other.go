//go:build !linux

package mntns

import "errors"

var errUnsupported = errors.New("mount namespaces require linux")

// System returns syscalls that always fail outside Linux.
func System() Syscalls { return otherSyscalls{} }

type otherSyscalls struct{}

func (otherSyscalls) OpenNS(int) (int, error) { return -1, errUnsupported }
func (otherSyscalls) Setns(int) error         { return errUnsupported }
func (otherSyscalls) Unshare() error          { return errUnsupported }
func (otherSyscalls) Close(int) error         { return nil }
