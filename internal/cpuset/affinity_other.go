//go:build !linux

package cpuset

import "fmt"

func PinSelf(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	return fmt.Errorf("cpuset: affinity not supported on this platform")
}

func PinPid(pid int, cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	return fmt.Errorf("cpuset: affinity not supported on this platform")
}
