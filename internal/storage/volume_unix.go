//go:build unix

package storage

import "golang.org/x/sys/unix"

// volumeFreeBytes reports the free space on the filesystem holding dir.
func volumeFreeBytes(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
