//go:build !unix

package su

import "github.com/kernelsu/ksud/internal/ksuerr"

func SystemExec(argv0 string, _ []string, _ []string) error {
	return ksuerr.Errorf(ksuerr.NotSupported, "su.exec", argv0, "execve is not available")
}
