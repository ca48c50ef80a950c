package kernel

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrTimeout is returned when a wait expires before it is satisfied.
	ErrTimeout = errors.New("kernel: wait timed out")

	// ErrBusy is returned when an operation would have to wait, but was
	// called with NoWait.
	ErrBusy = errors.New("kernel: resource busy")

	// ErrCanceled is returned to a waiter whose wait was canceled.
	ErrCanceled = errors.New("kernel: wait canceled")

	// ErrEmpty is returned by a non-blocking get on an empty queue.
	ErrEmpty = errors.New("kernel: queue empty")

	// ErrInvalid is returned when arguments or object state are invalid for
	// the operation.
	ErrInvalid = errors.New("kernel: invalid argument")

	// ErrPerm is returned when the caller does not own the object.
	ErrPerm = errors.New("kernel: not owner")

	// ErrDeadlock is returned when a thread attempts to join itself, or two
	// threads attempt to join each other.
	ErrDeadlock = errors.New("kernel: deadlock")

	// ErrNotPending is returned when canceling a wait that has already been
	// resolved, or was never started.
	ErrNotPending = errors.New("kernel: no pending wait")

	// ErrKernelStopped is returned when the kernel has terminated.
	ErrKernelStopped = errors.New("kernel: stopped")

	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("kernel: already running")
)

// FatalReason classifies a FatalError.
type FatalReason int

const (
	// ReasonInvalidCaller indicates a nil caller, a caller belonging to a
	// different kernel, or an interrupt context used outside its handler.
	ReasonInvalidCaller FatalReason = iota + 1
	// ReasonNotCurrent indicates a thread-context call from a thread that is
	// not the one running on its CPU.
	ReasonNotCurrent
	// ReasonBlockingInISR indicates an attempt to block from interrupt
	// context.
	ReasonBlockingInISR
	// ReasonInvalidArgument indicates an invalid argument, such as a nil
	// thread or an out of range priority.
	ReasonInvalidArgument
	// ReasonUnbalancedUnlock indicates an unlock without a matching lock.
	ReasonUnbalancedUnlock
	// ReasonThreadPanic indicates a thread's entry function panicked.
	ReasonThreadPanic
	// ReasonISRPanic indicates an interrupt handler panicked.
	ReasonISRPanic
)

// String returns a human-readable representation of the reason.
func (r FatalReason) String() string {
	switch r {
	case ReasonInvalidCaller:
		return "InvalidCaller"
	case ReasonNotCurrent:
		return "NotCurrent"
	case ReasonBlockingInISR:
		return "BlockingInISR"
	case ReasonInvalidArgument:
		return "InvalidArgument"
	case ReasonUnbalancedUnlock:
		return "UnbalancedUnlock"
	case ReasonThreadPanic:
		return "ThreadPanic"
	case ReasonISRPanic:
		return "ISRPanic"
	default:
		return "Unknown"
	}
}

// FatalError describes kernel misuse, or a panic within a kernel thread or
// interrupt handler. It is passed to the fatal handler, see WithFatalHandler.
type FatalError struct {
	// Cause is the recovered panic value, if the error was caused by a
	// panic, and it was an error.
	Cause   error
	Message string
	Reason  FatalReason
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kernel: fatal %s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("kernel: fatal %s: %s", e.Reason, e.Message)
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Cause
}
