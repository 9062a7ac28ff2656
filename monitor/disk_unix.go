//go:build unix

package monitor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskPercent is the used share of the filesystem holding path.
func diskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	used := float64(st.Blocks - uint64(st.Bfree))
	return clampPercent(used / float64(st.Blocks) * 100), nil
}
