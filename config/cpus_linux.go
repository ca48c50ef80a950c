//go:build linux

package config

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// DetectCPUs returns the number of CPUs the process may run on, per its
// affinity mask.
func DetectCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return 1
}
