package kernel

import (
	"sync/atomic"
)

type (
	// Caller identifies the execution context of a kernel operation. A
	// *Thread is a thread context, and may block. An *ISR is an interrupt
	// context, and must never block.
	Caller interface {
		callerKernel() *Kernel
		callerThread() *Thread
	}

	// ISR is the interrupt-context Caller. It is only valid within the
	// handler it was passed to, see Kernel.Interrupt.
	ISR struct {
		k      *Kernel
		active atomic.Bool
	}
)

var (
	// compile time assertions

	_ Caller = (*Thread)(nil)
	_ Caller = (*ISR)(nil)
)

// Kernel returns the kernel this interrupt context belongs to.
func (x *ISR) Kernel() *Kernel {
	return x.k
}

func (x *ISR) callerKernel() *Kernel {
	if x == nil {
		return nil
	}
	return x.k
}

func (x *ISR) callerThread() *Thread { return nil }

func (t *Thread) callerKernel() *Kernel {
	if t == nil {
		return nil
	}
	return t.k
}

func (t *Thread) callerThread() *Thread { return t }
