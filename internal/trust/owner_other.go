//go:build !linux

package trust

import "errors"

func ownerUID(string) (int, error) { return -1, errors.New("not supported on this platform") }
