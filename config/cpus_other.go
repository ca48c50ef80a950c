//go:build !linux

package config

import (
	"runtime"
)

// DetectCPUs returns the number of CPUs usable by the process.
func DetectCPUs() int {
	return runtime.NumCPU()
}
