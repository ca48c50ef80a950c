package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-rtos/internal/dlist"
	"github.com/joeycumines/logiface"
)

type (
	// Kernel schedules kernel threads across a fixed set of simulated CPUs.
	//
	// Each Thread is backed by a goroutine, but at most one thread per CPU
	// executes at a time; every other thread goroutine is parked. Scheduling
	// decisions are made at kernel entry points, i.e. within the methods of
	// this package, which take a Caller identifying the execution context.
	Kernel struct {
		opts    *kernelOptions
		logger  *logiface.Logger[logiface.Event]
		limiter *catrate.Limiter
		runq    runQueue
		// self is the thread currently executing a kernel operation, under
		// mu, or nil if the operation is from interrupt context
		self      *Thread
		idleCh    chan struct{}
		done      chan struct{}
		cpus      []*cpu
		deferred  []func(isr *ISR)
		isr       ISR
		timeouts  timeoutList
		threads   dlist.List[*Thread]
		sysWorkQ  *WorkQueue
		stats     Stats
		state     runState
		tick      atomic.Uint64
		nextOrder uint64
		nextID    uint64
		allCPUs   uint64
		mu        sync.Mutex
		// irqGate is held by interrupt context, and by any thread that has
		// locked interrupts
		irqGate sync.Mutex
	}

	cpu struct {
		current      *Thread
		sliceLeft    uint64
		id           int
		resched      bool
		sliceExpired bool
	}

	// Stats is a snapshot of kernel counters, see Kernel.Stats.
	Stats struct {
		// ContextSwitches counts threads switched onto a CPU.
		ContextSwitches uint64
		// Preemptions counts running threads displaced by a more urgent
		// thread, or by time slicing.
		Preemptions uint64
		// IPIs counts reschedule requests delivered to other CPUs, or from
		// interrupt context.
		IPIs uint64
		// TicksAnnounced is the total ticks announced.
		TicksAnnounced uint64
		// TimeoutsFired counts expired timeouts.
		TimeoutsFired uint64
		// Uptime is the current tick.
		Uptime uint64
		// Threads is the number of live threads.
		Threads int
		// Ready is the number of threads in the ready queue.
		Ready int
		// Timeouts is the number of scheduled timeouts.
		Timeouts int
	}
)

// New constructs a new Kernel. It will not schedule threads until Run is
// called.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveKernelOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		opts:    cfg,
		logger:  cfg.logger,
		limiter: newWarningLimiter(),
		idleCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cpus:    make([]*cpu, cfg.cpus),
	}
	k.isr.k = k
	for i := range k.cpus {
		k.cpus[i] = &cpu{id: i}
		k.allCPUs |= 1 << uint(i)
	}
	k.runq = newRunQueue(cfg.runQueue, k.compare, cfg.coopPrios, cfg.preemptPrios)

	k.logger.Debug().
		Int(`cpus`, cfg.cpus).
		Stringer(`run_queue`, cfg.runQueue).
		Bool(`realtime`, cfg.realtime).
		Log(`kernel created`)

	return k, nil
}

// State returns the lifecycle state of the kernel.
func (k *Kernel) State() KernelState {
	return k.state.Load()
}

// CPUs returns the number of CPUs.
func (k *Kernel) CPUs() int {
	return len(k.cpus)
}

// TicksPerSecond returns the tick rate.
func (k *Kernel) TicksPerSecond() uint32 {
	return k.opts.ticksPerSecond
}

// Realtime reports whether the kernel relies on an external tick source,
// see WithRealtime.
func (k *Kernel) Realtime() bool {
	return k.opts.realtime
}

// Run starts scheduling, spawning main as the first thread, at the
// configured main priority. Threads created before Run (via Interrupt) are
// scheduled along with it.
//
// Run returns nil once main exits, or ctx.Err() if ctx is done first. In
// either case every remaining thread is aborted before Run returns, though
// a thread executing outside the kernel is only stopped at its next kernel
// entry. Run may only be called once.
func (k *Kernel) Run(ctx context.Context, main func(t *Thread)) error {
	if main == nil {
		return fmt.Errorf("%w: nil main", ErrInvalid)
	}
	if !k.state.TryTransition(KernelAwake, KernelRunning) {
		if k.state.Load() == KernelTerminated {
			return ErrKernelStopped
		}
		return ErrAlreadyRunning
	}

	k.logger.Info().Int(`cpus`, len(k.cpus)).Log(`kernel running`)

	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		k.idleLoop()
	}()

	k.mu.Lock()
	mt := k.spawnLocked(main, &threadConfig{
		name: `main`,
		prio: k.opts.mainPrio,
		mask: k.allCPUs,
	})
	k.dispatchLocked()
	k.mu.Unlock()

	var err error
	select {
	case <-mt.Done():
	case <-ctx.Done():
		err = ctx.Err()
	}

	k.shutdown()
	<-idleDone

	k.logger.Info().Err(err).Uint64(`uptime`, k.Uptime()).Log(`kernel terminated`)

	return err
}

func (k *Kernel) shutdown() {
	k.mu.Lock()
	k.state.Store(KernelTerminated)
	var threads []*Thread
	for t := range k.threads.Values() {
		threads = append(threads, t)
	}
	for _, t := range threads {
		if t.state == StateRunning {
			// stopped at its next kernel entry
			t.abortPending = true
			continue
		}
		k.killLocked(t)
	}
	k.mu.Unlock()
	close(k.done)
}

// Done returns a channel that is closed once the kernel has terminated.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// idleLoop provides virtual time: whenever every CPU is idle, it announces
// the ticks remaining until the earliest timeout.
func (k *Kernel) idleLoop() {
	for {
		select {
		case <-k.done:
			return
		case <-k.idleCh:
		}
		k.announce(func() (uint64, bool) {
			if k.opts.realtime || !k.idleLocked() {
				return 0, false
			}
			return k.timeouts.next()
		})
	}
}

func (k *Kernel) idleLocked() bool {
	for _, c := range k.cpus {
		if c.current != nil {
			return false
		}
	}
	return true
}

// Interrupt runs fn in interrupt context, on the calling goroutine. The
// *ISR passed to fn is only valid until fn returns. Interrupt context is
// serialized, and excluded while any thread holds the interrupt lock. It
// must not be nested.
func (k *Kernel) Interrupt(fn func(isr *ISR)) {
	if fn == nil {
		k.fatal(nil, ReasonInvalidArgument, `nil interrupt handler`, nil)
	}
	k.irqGate.Lock()
	defer k.irqGate.Unlock()
	k.isr.active.Store(true)
	defer k.isr.active.Store(false)
	k.runHandler(fn)
}

// Announce informs the kernel that ticks have elapsed, advancing the uptime
// and firing every timeout that falls due, in deadline order. It runs in
// interrupt context. Callbacks of expired timers run after the scheduler
// state has been updated.
func (k *Kernel) Announce(ticks uint32) {
	k.announce(func() (uint64, bool) { return uint64(ticks), true })
}

func (k *Kernel) announce(amount func() (uint64, bool)) {
	k.irqGate.Lock()
	defer k.irqGate.Unlock()
	k.isr.active.Store(true)
	defer k.isr.active.Store(false)

	k.mu.Lock()
	if ticks, ok := amount(); ok {
		k.advanceLocked(ticks)
	}
	deferred := k.deferred
	k.deferred = nil
	k.dispatchLocked()
	k.mu.Unlock()

	for _, fn := range deferred {
		k.runHandler(fn)
	}
}

func (k *Kernel) advanceLocked(ticks uint64) {
	base := k.tick.Load()
	k.stats.TicksAnnounced += ticks
	fired := k.timeouts.advance(
		ticks,
		func(elapsed uint64) { k.tick.Store(base + elapsed) },
		func(to *timeout) { to.fn(to) },
	)
	k.stats.TimeoutsFired += uint64(fired)
	k.sliceLocked(ticks)
}

func (k *Kernel) runHandler(fn func(isr *ISR)) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(*FatalError); ok {
				panic(err)
			}
			cause, _ := r.(error)
			k.fatal(nil, ReasonISRPanic, fmt.Sprint(r), cause)
		}
	}()
	fn(&k.isr)
}

// Uptime returns the number of ticks announced since the kernel was created.
func (k *Kernel) Uptime() uint64 {
	return k.tick.Load()
}

// Uptime32 returns the low 32 bits of Uptime. Compare values using
// TicksBefore and TicksSince.
func (k *Kernel) Uptime32() uint32 {
	return uint32(k.tick.Load())
}

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.stats
	s.Uptime = k.tick.Load()
	s.Threads = k.threads.Len()
	s.Ready = k.runq.len()
	s.Timeouts = k.timeouts.len()
	return s
}

// ForEachThread calls fn for each live thread, in creation order, with the
// kernel lock held. The fn must not call kernel operations.
func (k *Kernel) ForEachThread(fn func(t *Thread)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for t := range k.threads.Values() {
		fn(t)
	}
}

// enter validates c and takes the kernel lock on its behalf, returning the
// calling thread, or nil for interrupt context.
func (k *Kernel) enter(c Caller) *Thread {
	if c == nil || c.callerKernel() == nil {
		k.fatal(nil, ReasonInvalidCaller, `nil caller`, nil)
	}
	if c.callerKernel() != k {
		k.fatal(nil, ReasonInvalidCaller, `caller belongs to a different kernel`, nil)
	}

	t := c.callerThread()
	if t == nil {
		if !k.isr.active.Load() {
			k.fatal(nil, ReasonInvalidCaller, `interrupt context used outside its handler`, nil)
		}
		k.mu.Lock()
		k.self = nil
		return nil
	}

	if k.opts.strictCallers && goroutineID() != t.goid.Load() {
		k.fatal(nil, ReasonNotCurrent, fmt.Sprintf(`thread %s called from a foreign goroutine`, t), nil)
	}

	k.mu.Lock()
	for {
		if t.state != StateRunning || k.cpus[t.cpu].current != t {
			k.mu.Unlock()
			k.fatal(nil, ReasonNotCurrent, fmt.Sprintf(`thread %s is %s`, t, t.state), nil)
		}
		if t.abortPending {
			k.exitLocked(t)
		}
		if !t.suspendPending {
			break
		}
		t.suspendPending = false
		t.state = StateSuspended
		k.swapLocked(t)
		k.mu.Lock()
	}

	k.self = t
	return t
}

// leave releases the kernel lock taken by enter, first switching away from
// self if a more urgent thread is ready.
func (k *Kernel) leave(self *Thread) {
	if self == nil {
		k.dispatchLocked()
		k.unlock()
		return
	}
	k.reschedLocked(self)
}

func (k *Kernel) unlock() {
	k.self = nil
	k.mu.Unlock()
}

// fatal reports kernel misuse. It never returns: if the fatal handler
// returns, self (which must be the calling thread, if non-nil) is aborted,
// otherwise the error is raised as a panic. Must be called without the
// kernel lock held.
func (k *Kernel) fatal(self *Thread, reason FatalReason, msg string, cause error) {
	err := &FatalError{Reason: reason, Message: msg, Cause: cause}

	b := k.logger.Emerg().Stringer(`reason`, reason)
	if self != nil {
		b = k.logThread(b, self)
	}
	b.Err(err).Log(`fatal kernel error`)

	k.opts.fatalHandler(err)

	if self != nil {
		k.mu.Lock()
		k.exitLocked(self)
	}
	panic(err)
}

// fatalLocked is fatal, for callers holding the kernel lock.
func (k *Kernel) fatalLocked(self *Thread, reason FatalReason, msg string) {
	k.unlock()
	k.fatal(self, reason, msg, nil)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
