//go:build linux

package trust

import "golang.org/x/sys/unix"

func ownerUID(path string) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return -1, err
	}
	return int(st.Uid), nil
}
