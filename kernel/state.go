package kernel

import (
	"sync/atomic"
)

// KernelState represents the lifecycle state of a Kernel.
//
//	KernelAwake → KernelRunning      [Run()]
//	KernelRunning → KernelTerminated [main returned, or Run's context done]
//	KernelTerminated → (terminal)
type KernelState uint32

const (
	// KernelAwake indicates the kernel has been created but not started.
	// Threads may be created, and interrupts raised, but nothing is
	// scheduled.
	KernelAwake KernelState = iota
	// KernelRunning indicates Run is scheduling threads.
	KernelRunning
	// KernelTerminated indicates Run has returned. Remaining threads are
	// aborted.
	KernelTerminated
)

// String returns a human-readable representation of the state.
func (s KernelState) String() string {
	switch s {
	case KernelAwake:
		return "Awake"
	case KernelRunning:
		return "Running"
	case KernelTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// runState is a lock-free state machine, readable without the kernel lock.
type runState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *runState) Load() KernelState {
	return KernelState(s.v.Load())
}

// Store sets the state. Only used for the terminal state.
func (s *runState) Store(state KernelState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *runState) TryTransition(from, to KernelState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// ThreadState is the scheduling state of a Thread. Exactly one applies at
// any time.
type ThreadState uint8

const (
	// StateReady indicates the thread is in the ready queue.
	StateReady ThreadState = iota
	// StateRunning indicates the thread is executing on a CPU.
	StateRunning
	// StatePending indicates the thread is blocked, on a wait queue and/or a
	// timeout (sleeping, or a delayed start).
	StatePending
	// StateSuspended indicates the thread is suspended, or was created with
	// a Forever start delay and has not been started.
	StateSuspended
	// StateDead indicates the thread has exited or was aborted.
	StateDead
)

// String returns a human-readable representation of the state.
func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StatePending:
		return "Pending"
	case StateSuspended:
		return "Suspended"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}
