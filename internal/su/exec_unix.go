//go:build unix

package su

import "golang.org/x/sys/unix"

// SystemExec replaces the process image with execve(2).
func SystemExec(argv0 string, argv []string, envv []string) error {
	return unix.Exec(argv0, argv, envv)
}
