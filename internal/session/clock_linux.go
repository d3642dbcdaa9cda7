//go:build linux

package session

import "golang.org/x/sys/unix"

// monotonicNow reads the monotonic clock in nanoseconds; the value becomes
// the session epoch all off-CPU timestamps are rebased against.
func monotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec), nil
}
