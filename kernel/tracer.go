package kernel

// TraceKind identifies a scheduling event.
type TraceKind uint8

const (
	// TraceCreate is emitted when a thread is created.
	TraceCreate TraceKind = iota + 1
	// TraceReady is emitted when a thread enters the ready queue.
	TraceReady
	// TracePend is emitted when a thread blocks.
	TracePend
	// TraceTimeout is emitted when a pending thread's timeout expires.
	TraceTimeout
	// TraceSuspend is emitted when a thread is suspended.
	TraceSuspend
	// TracePreempt is emitted when a running thread is preempted.
	TracePreempt
	// TraceSwitchIn is emitted when a thread is switched onto a CPU.
	TraceSwitchIn
	// TraceSwitchOut is emitted when a thread is switched off a CPU.
	TraceSwitchOut
	// TraceExit is emitted when a thread exits or is aborted.
	TraceExit
)

// String returns a human-readable representation of the kind.
func (x TraceKind) String() string {
	switch x {
	case TraceCreate:
		return "create"
	case TraceReady:
		return "ready"
	case TracePend:
		return "pend"
	case TraceTimeout:
		return "timeout"
	case TraceSuspend:
		return "suspend"
	case TracePreempt:
		return "preempt"
	case TraceSwitchIn:
		return "switch_in"
	case TraceSwitchOut:
		return "switch_out"
	case TraceExit:
		return "exit"
	default:
		return "unknown"
	}
}

type (
	// TraceEvent describes a scheduling event.
	TraceEvent struct {
		Name   string
		Tick   uint64
		Thread uint64
		Prio   int
		// CPU is the thread's CPU, or -1 if it is not running.
		CPU  int
		Kind TraceKind
	}

	// Tracer receives scheduling events, see WithTracer. Trace is called
	// with the kernel lock held, and so must not block, or call kernel
	// operations.
	Tracer interface {
		Trace(ev TraceEvent)
	}
)

func (k *Kernel) trace(kind TraceKind, t *Thread) {
	if k.opts.tracer == nil {
		return
	}
	k.opts.tracer.Trace(TraceEvent{
		Name:   t.name,
		Tick:   k.tick.Load(),
		Thread: t.id,
		Prio:   t.prio,
		CPU:    t.cpu,
		Kind:   kind,
	})
}
