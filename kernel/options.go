package kernel

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// RunQueueKind selects the ready queue implementation, fixed for the life of
// a Kernel.
type RunQueueKind int

const (
	// RunQueueList is a sorted doubly linked list. Insertion is O(n), and
	// selection is O(1) for unconstrained CPU masks. Best for few threads.
	RunQueueList RunQueueKind = iota
	// RunQueueHeap is a binary heap, with O(log n) insertion and removal.
	// Best for many ready threads.
	RunQueueHeap
	// RunQueueMulti is an array of per-priority lists, indexed by a bitmap.
	RunQueueMulti
)

// String returns a human-readable representation of the kind.
func (k RunQueueKind) String() string {
	switch k {
	case RunQueueList:
		return "list"
	case RunQueueHeap:
		return "heap"
	case RunQueueMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// MaxCPUs is the maximum number of CPUs a Kernel may schedule.
const MaxCPUs = 64

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	logger         *logiface.Logger[logiface.Event]
	tracer         Tracer
	fatalHandler   func(err *FatalError)
	cpus           int
	runQueue       RunQueueKind
	coopPrios      int
	preemptPrios   int
	mainPrio       int
	sliceTicks     uint32
	sliceMaxPrio   int
	ticksPerSecond uint32
	ceilingPrio    int
	realtime       bool
	equalPreempt   bool
	deadlineSched  bool
	strictCallers  bool
}

// --- Kernel Options ---

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements Option.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (x *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return x.applyKernelFunc(opts)
}

// WithCPUs sets the number of CPUs, each of which runs at most one thread at
// a time. Defaults to 1.
func WithCPUs(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 || n > MaxCPUs {
			return fmt.Errorf("%w: cpus must be in [1, %d], got %d", ErrInvalid, MaxCPUs, n)
		}
		opts.cpus = n
		return nil
	}}
}

// WithRunQueue selects the ready queue implementation. Defaults to
// RunQueueList.
func WithRunQueue(kind RunQueueKind) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		switch kind {
		case RunQueueList, RunQueueHeap, RunQueueMulti:
			opts.runQueue = kind
			return nil
		default:
			return fmt.Errorf("%w: unknown run queue kind %d", ErrInvalid, kind)
		}
	}}
}

// WithPriorityLevels sets the number of cooperative priorities (-coop to -1)
// and preemptible priorities (0 to preempt-1). Defaults to 16 and 15.
func WithPriorityLevels(coop, preempt int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if coop < 0 || preempt < 0 || coop+preempt == 0 || coop+preempt > 512 {
			return fmt.Errorf("%w: bad priority levels %d/%d", ErrInvalid, coop, preempt)
		}
		opts.coopPrios = coop
		opts.preemptPrios = preempt
		return nil
	}}
}

// WithMainPriority sets the priority of the thread started by Run.
// Defaults to 0.
func WithMainPriority(prio int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.mainPrio = prio
		return nil
	}}
}

// WithTimeSlice enables round-robin time slicing between threads of equal
// priority, for preemptible threads at priority maxPrio or less urgent.
// A ticks value of 0 disables time slicing (the default).
func WithTimeSlice(ticks uint32, maxPrio int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.sliceTicks = ticks
		opts.sliceMaxPrio = maxPrio
		return nil
	}}
}

// WithEqualPriorityPreemption configures whether a thread made ready
// preempts a running preemptible thread of equal priority. Defaults to
// false, where the running thread keeps the CPU.
func WithEqualPriorityPreemption(enabled bool) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.equalPreempt = enabled
		return nil
	}}
}

// WithDeadlineScheduling enables earliest-deadline-first ordering between
// threads of equal priority, see Thread.SetDeadline.
func WithDeadlineScheduling(enabled bool) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.deadlineSched = enabled
		return nil
	}}
}

// WithRealtime disables virtual time. By default, whenever every CPU is idle
// and a timeout is pending, the kernel announces exactly the ticks required
// to reach it. With realtime enabled, ticks are only announced via
// Kernel.Announce, e.g. using the tick package.
func WithRealtime(enabled bool) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.realtime = enabled
		return nil
	}}
}

// WithTicksPerSecond sets the tick rate, used to convert durations to ticks.
// Defaults to 1000.
func WithTicksPerSecond(hz uint32) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if hz == 0 {
			return fmt.Errorf("%w: ticks per second must be positive", ErrInvalid)
		}
		opts.ticksPerSecond = hz
		return nil
	}}
}

// WithPriorityInheritanceCeiling sets the most urgent priority a mutex owner
// may be boosted to, by priority inheritance. Defaults to no limit.
func WithPriorityInheritanceCeiling(prio int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.ceilingPrio = prio
		return nil
	}}
}

// WithLogger sets the logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTracer sets a Tracer, that will receive scheduling events.
func WithTracer(tracer Tracer) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.tracer = tracer
		return nil
	}}
}

// WithFatalHandler sets the handler called on kernel misuse, after the error
// is logged. The default handler panics with the *FatalError. If the handler
// returns, and the fatal error was raised by the calling thread, that thread
// is aborted, otherwise the kernel panics.
func WithFatalHandler(handler func(err *FatalError)) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.fatalHandler = handler
		return nil
	}}
}

// WithStrictCallers enables verification that every thread-context call is
// made from the goroutine backing that thread. This is expensive, and is
// intended for tests.
func WithStrictCallers(enabled bool) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.strictCallers = enabled
		return nil
	}}
}

// resolveKernelOptions applies Option instances to a kernelOptions struct.
func resolveKernelOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		cpus:           1,
		runQueue:       RunQueueList,
		coopPrios:      16,
		preemptPrios:   15,
		ticksPerSecond: 1000,
		ceilingPrio:    minPriority,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.mainPrio < -cfg.coopPrios || cfg.mainPrio >= cfg.preemptPrios {
		return nil, fmt.Errorf("%w: main priority %d out of range", ErrInvalid, cfg.mainPrio)
	}
	if cfg.fatalHandler == nil {
		cfg.fatalHandler = defaultFatalHandler
	}
	return cfg, nil
}

// minPriority is more urgent than any valid priority.
const minPriority = -1 << 20

func defaultFatalHandler(err *FatalError) {
	panic(err)
}
