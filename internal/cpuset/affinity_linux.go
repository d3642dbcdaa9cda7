//go:build linux

package cpuset

import "golang.org/x/sys/unix"

func toSet(cpus []int) *unix.CPUSet {
	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return &set
}

// PinSelf restricts the calling process to the given CPUs.
func PinSelf(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	return unix.SchedSetaffinity(0, toSet(cpus))
}

// PinPid restricts an already-running process to the given CPUs.
func PinPid(pid int, cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	return unix.SchedSetaffinity(pid, toSet(cpus))
}
