package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-rtos/internal/dlist"
)

// Thread is a kernel thread: a schedulable unit with a priority, backed by
// a goroutine. It is also the thread-context Caller, and is only valid as a
// Caller from within its own entry function.
type Thread struct {
	k        *Kernel
	entry    func(t *Thread)
	baton    chan bool
	done     chan struct{}
	swapErr  error
	swapData any
	pendQ    *WaitQueue
	// sliceTicks overrides the kernel time slice if non-nil
	sliceTicks *uint32
	name       string
	joinQ      WaitQueue
	runNode    dlist.Node[*Thread]
	waitNode   dlist.Node[*Thread]
	allNode    dlist.Node[*Thread]
	timeout    timeout
	goid       atomic.Uint64
	id         uint64
	order      uint64
	cpuMask    uint64
	prio       int
	cpu        int
	heapIndex  int
	schedLock  int
	irqLock    int
	deadline   uint32
	eventWant  uint32
	state      ThreadState
	eventAll   bool
	// fresh is true while the thread is ready due to a wake, rather than
	// a preemption or yield
	fresh          bool
	prestart       bool
	suspendOnWake  bool
	suspendPending bool
	abortPending   bool
}

type threadConfig struct {
	slice *uint32
	name  string
	delay Timeout
	mask  uint64
	prio  int
}

// ThreadOption configures a Thread at creation, see Kernel.Spawn.
type ThreadOption interface {
	applyThread(*threadConfig) error
}

// threadOptionImpl implements ThreadOption.
type threadOptionImpl struct {
	applyThreadFunc func(*threadConfig) error
}

func (x *threadOptionImpl) applyThread(cfg *threadConfig) error {
	return x.applyThreadFunc(cfg)
}

// WithPriority sets the thread priority. Numerically lower is more urgent.
// Negative priorities are cooperative: the thread is never preempted, and
// only gives up its CPU by blocking, yielding or exiting. Defaults to 0.
func WithPriority(prio int) ThreadOption {
	return &threadOptionImpl{func(cfg *threadConfig) error {
		cfg.prio = prio
		return nil
	}}
}

// WithName sets the thread name, used for logging and tracing.
func WithName(name string) ThreadOption {
	return &threadOptionImpl{func(cfg *threadConfig) error {
		cfg.name = name
		return nil
	}}
}

// WithCPUMask sets the CPUs the thread may run on, as a bitmask. Defaults
// to all CPUs.
func WithCPUMask(mask uint64) ThreadOption {
	return &threadOptionImpl{func(cfg *threadConfig) error {
		cfg.mask = mask
		return nil
	}}
}

// WithStartDelay delays the start of the thread. A Forever delay creates the
// thread suspended, until Thread.Start is called.
func WithStartDelay(delay Timeout) ThreadOption {
	return &threadOptionImpl{func(cfg *threadConfig) error {
		cfg.delay = delay
		return nil
	}}
}

// WithThreadTimeSlice overrides the kernel time slice for the thread. Zero
// disables time slicing for the thread.
func WithThreadTimeSlice(ticks uint32) ThreadOption {
	return &threadOptionImpl{func(cfg *threadConfig) error {
		cfg.slice = &ticks
		return nil
	}}
}

// Spawn creates a thread that will run entry. It is READY immediately,
// unless it was created with a start delay. If the new thread is more urgent
// than the caller, it runs before Spawn returns.
func (k *Kernel) Spawn(c Caller, entry func(t *Thread), opts ...ThreadOption) *Thread {
	cfg := threadConfig{mask: k.allCPUs}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyThread(&cfg); err != nil {
			k.fatal(nil, ReasonInvalidArgument, err.Error(), err)
		}
	}
	self := k.enter(c)
	if entry == nil {
		k.fatalLocked(self, ReasonInvalidArgument, `nil thread entry`)
	}
	if !k.validPrio(cfg.prio) {
		k.fatalLocked(self, ReasonInvalidArgument, fmt.Sprintf(`priority %d out of range`, cfg.prio))
	}
	t := k.spawnLocked(entry, &cfg)
	k.leave(self)
	return t
}

func (k *Kernel) validPrio(prio int) bool {
	return prio >= -k.opts.coopPrios && prio < k.opts.preemptPrios
}

func (k *Kernel) spawnLocked(entry func(t *Thread), cfg *threadConfig) *Thread {
	k.nextID++
	t := &Thread{
		k:          k,
		entry:      entry,
		baton:      make(chan bool, 1),
		done:       make(chan struct{}),
		sliceTicks: cfg.slice,
		name:       cfg.name,
		id:         k.nextID,
		cpuMask:    cfg.mask,
		prio:       cfg.prio,
		cpu:        -1,
		heapIndex:  -1,
		state:      StateSuspended,
	}
	if t.name == `` {
		t.name = fmt.Sprintf(`thread-%d`, t.id)
	}
	t.runNode.Value = t
	t.waitNode.Value = t
	t.allNode.Value = t
	t.timeout.init(func(*timeout) { k.threadTimeoutLocked(t) })
	t.joinQ.init(k, WaitFIFO)

	k.threads.PushBack(&t.allNode)
	k.trace(TraceCreate, t)
	k.logThread(k.logger.Debug(), t).Log(`thread created`)

	if k.state.Load() == KernelTerminated {
		k.teardownLocked(t)
		return t
	}

	go k.threadMain(t)

	switch {
	case cfg.delay.IsNoWait():
		k.readyLocked(t)
	case cfg.delay.IsForever():
		t.prestart = true
	default:
		t.prestart = true
		t.state = StatePending
		k.timeouts.add(&t.timeout, k.ticksUntil(cfg.delay))
	}

	return t
}

// kernelFor resolves the kernel of t, for an operation by c. A nil t is
// fatal.
func (t *Thread) kernelFor(c Caller) *Kernel {
	if t != nil {
		return t.k
	}
	if c != nil {
		if k := c.callerKernel(); k != nil {
			k.fatal(nil, ReasonInvalidArgument, `nil thread`, nil)
		}
	}
	panic(&FatalError{Reason: ReasonInvalidArgument, Message: `nil thread`})
}

// ID returns the unique id of the thread, assigned in creation order.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel { return t.k }

// String implements fmt.Stringer.
func (t *Thread) String() string {
	if t == nil {
		return `<nil>`
	}
	return fmt.Sprintf(`%s#%d`, t.name, t.id)
}

// Done returns a channel that is closed once the thread is DEAD.
func (t *Thread) Done() <-chan struct{} { return t.done }

// State returns the scheduling state of the thread.
func (t *Thread) State() ThreadState {
	k := t.kernelFor(nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.state
}

// Priority returns the current priority of the thread, which may be boosted
// by priority inheritance.
func (t *Thread) Priority() int {
	k := t.kernelFor(nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.prio
}

// CPU returns the CPU the thread is running on, or -1.
func (t *Thread) CPU() int {
	k := t.kernelFor(nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.cpu
}

// Start starts a thread created with a start delay, immediately. It is a
// no-op for any other thread.
func (t *Thread) Start(c Caller) {
	k := t.kernelFor(c)
	self := k.enter(c)
	if t.prestart {
		t.prestart = false
		k.timeouts.cancel(&t.timeout)
		k.readyLocked(t)
	}
	k.leave(self)
}

// Suspend prevents t from running until Resume is called. A pending thread
// remains pending, but becomes SUSPENDED rather than READY once its wait is
// resolved. A thread running on another CPU is suspended at its next kernel
// entry.
func (t *Thread) Suspend(c Caller) {
	k := t.kernelFor(c)
	self := k.enter(c)
	switch t.state {
	case StateRunning:
		if t == self {
			t.state = StateSuspended
			k.trace(TraceSuspend, t)
			k.swapLocked(t)
			return
		}
		t.suspendPending = true
		k.ipiLocked(t)
	case StateReady:
		k.runq.remove(t)
		t.state = StateSuspended
		k.trace(TraceSuspend, t)
	case StatePending:
		t.suspendOnWake = true
	}
	k.leave(self)
}

// Resume makes a suspended thread READY. It is a no-op for a thread that is
// not suspended, including one created with a Forever start delay, see
// Start.
func (t *Thread) Resume(c Caller) {
	k := t.kernelFor(c)
	self := k.enter(c)
	switch t.state {
	case StateSuspended:
		if !t.prestart {
			k.readyLocked(t)
		}
	case StatePending:
		t.suspendOnWake = false
	case StateRunning:
		t.suspendPending = false
	}
	k.leave(self)
}

// Abort terminates t. If t is the caller, Abort does not return. A thread
// running on another CPU is terminated at its next kernel entry, which a
// thread-context caller waits for.
//
// The deferred functions of an aborted thread run on its goroutine, and
// must not call kernel operations.
func (t *Thread) Abort(c Caller) {
	k := t.kernelFor(c)
	self := k.enter(c)
	switch {
	case t.state == StateDead:
	case t == self:
		k.exitLocked(t)
	case t.state == StateRunning:
		t.abortPending = true
		k.ipiLocked(t)
		if self != nil {
			k.blockLocked(self, &t.joinQ, Forever)
			return
		}
	default:
		k.killLocked(t)
	}
	k.leave(self)
}

// ipiLocked requests a reschedule of t's CPU.
func (k *Kernel) ipiLocked(t *Thread) {
	if c := k.cpus[t.cpu]; !c.resched {
		c.resched = true
		k.stats.IPIs++
	}
}

// SetPriority changes the priority of t, repositioning it within whichever
// queue it occupies, then reschedules.
func (t *Thread) SetPriority(c Caller, prio int) {
	k := t.kernelFor(c)
	self := k.enter(c)
	if !k.validPrio(prio) {
		k.fatalLocked(self, ReasonInvalidArgument, fmt.Sprintf(`priority %d out of range`, prio))
	}
	k.setPrioLocked(t, prio)
	k.leave(self)
}

func (k *Kernel) setPrioLocked(t *Thread, prio int) {
	if t.prio == prio {
		return
	}
	switch t.state {
	case StateReady:
		k.runq.remove(t)
		t.prio = prio
		t.order = k.orderLocked()
		k.runq.add(t)
		k.dispatchLocked()
	case StatePending:
		t.prio = prio
		if q := t.pendQ; q != nil {
			q.removeLocked(t)
			q.insertLocked(t)
		}
	case StateRunning:
		t.prio = prio
		k.dispatchLocked()
	default:
		t.prio = prio
	}
}

// SetDeadline sets the deadline of t to ticks after the current tick. With
// deadline scheduling enabled, the earliest deadline runs first among
// threads of equal priority.
func (t *Thread) SetDeadline(c Caller, ticks uint32) {
	k := t.kernelFor(c)
	self := k.enter(c)
	deadline := uint32(k.tick.Load()) + ticks
	if t.state == StateReady {
		k.runq.remove(t)
		t.deadline = deadline
		k.runq.add(t)
		k.dispatchLocked()
	} else {
		t.deadline = deadline
		if t.state == StateRunning {
			k.dispatchLocked()
		}
	}
	k.leave(self)
}

// Sleep blocks the calling thread for timeout, returning the ticks actually
// elapsed, which is less than timeout only if it was woken early, see
// Wakeup. A Forever sleep lasts until woken. A NoWait sleep yields.
func (t *Thread) Sleep(timeout Timeout) uint64 {
	k := t.kernelFor(t)
	self := k.enter(t)
	if timeout.IsNoWait() {
		k.yieldLocked(self)
		return 0
	}
	start := k.tick.Load()
	k.pendLocked(self, nil, timeout)
	k.swapLocked(self)
	return k.tick.Load() - start
}

// Wakeup ends the sleep (or start delay) of t early. It is a no-op if t is
// not sleeping.
func (t *Thread) Wakeup(c Caller) {
	k := t.kernelFor(c)
	self := k.enter(c)
	if t.state == StatePending && t.pendQ == nil {
		t.prestart = false
		k.timeouts.cancel(&t.timeout)
		t.swapErr = nil
		k.readyLocked(t)
	}
	k.leave(self)
}

// Yield moves the calling thread behind every other ready thread of equal
// priority, switching to the first of them, if any.
func (t *Thread) Yield() {
	k := t.kernelFor(t)
	k.yieldLocked(k.enter(t))
}

func (k *Kernel) yieldLocked(self *Thread) {
	self.state = StateReady
	self.order = k.orderLocked()
	self.fresh = false
	k.runq.add(self)
	k.swapLocked(self)
}

// PreemptionPoint delivers any pending reschedule to the calling thread.
// Threads only lose their CPU within kernel operations, so a long running
// computation should call this periodically.
func (t *Thread) PreemptionPoint() {
	k := t.kernelFor(t)
	k.leave(k.enter(t))
}

// Join waits for t to exit. It returns ErrDeadlock if t is the caller, or
// is itself joining the caller, ErrBusy if t is alive and timeout is
// NoWait, and ErrTimeout if the timeout expires.
func (t *Thread) Join(c Caller, timeout Timeout) error {
	k := t.kernelFor(c)
	self := k.enter(c)
	switch {
	case t.state == StateDead:
		k.leave(self)
		return nil
	case t == self || (self != nil && t.pendQ == &self.joinQ):
		k.leave(self)
		return ErrDeadlock
	case timeout.IsNoWait():
		k.leave(self)
		return ErrBusy
	}
	_, err := k.blockLocked(self, &t.joinQ, timeout)
	return err
}

// CancelWait resolves the wait of t, on any object, with ErrCanceled. It
// returns ErrNotPending if t is not waiting on an object, including if
// its wait was already resolved.
func (t *Thread) CancelWait(c Caller) error {
	k := t.kernelFor(c)
	self := k.enter(c)
	if t.state != StatePending || t.pendQ == nil {
		k.leave(self)
		return ErrNotPending
	}
	k.unpendLocked(t, ErrCanceled, nil)
	k.leave(self)
	return nil
}

// SchedLock prevents the calling thread from being preempted, until a
// matching SchedUnlock. Calls nest. The thread may still block.
func (t *Thread) SchedLock() {
	k := t.kernelFor(t)
	self := k.enter(t)
	self.schedLock++
	k.leave(self)
}

// SchedUnlock reverses SchedLock, rescheduling once the count reaches zero.
func (t *Thread) SchedUnlock() {
	k := t.kernelFor(t)
	self := k.enter(t)
	if self.schedLock == 0 {
		k.fatalLocked(self, ReasonUnbalancedUnlock, `scheduler unlock without lock`)
	}
	self.schedLock--
	k.leave(self)
}

// IRQLock excludes interrupt context, until a matching IRQUnlock. Calls
// nest. The lock is released while the thread is switched out, and
// reacquired when it resumes.
func (t *Thread) IRQLock() {
	k := t.kernelFor(t)
	self := k.enter(t)
	k.unlock()
	if self.irqLock == 0 {
		k.irqGate.Lock()
	}
	self.irqLock++
}

// IRQUnlock reverses IRQLock.
func (t *Thread) IRQUnlock() {
	k := t.kernelFor(t)
	self := k.enter(t)
	if self.irqLock == 0 {
		k.fatalLocked(self, ReasonUnbalancedUnlock, `interrupt unlock without lock`)
	}
	k.unlock()
	self.irqLock--
	if self.irqLock == 0 {
		k.irqGate.Unlock()
	}
}

// CPUMaskClear prevents t from running on any CPU. See CPUMaskEnable.
func (t *Thread) CPUMaskClear(c Caller) error {
	return t.updateCPUMask(c, func(uint64) uint64 { return 0 })
}

// CPUMaskEnableAll allows t to run on every CPU.
func (t *Thread) CPUMaskEnableAll(c Caller) error {
	return t.updateCPUMask(c, func(uint64) uint64 { return t.k.allCPUs })
}

// CPUMaskEnable allows t to run on cpu. Like every CPU mask operation, it
// returns ErrInvalid if t is runnable (READY or RUNNING).
func (t *Thread) CPUMaskEnable(c Caller, cpu int) error {
	if err := t.checkCPU(cpu); err != nil {
		return err
	}
	return t.updateCPUMask(c, func(mask uint64) uint64 { return mask | 1<<uint(cpu) })
}

// CPUMaskDisable prevents t from running on cpu.
func (t *Thread) CPUMaskDisable(c Caller, cpu int) error {
	if err := t.checkCPU(cpu); err != nil {
		return err
	}
	return t.updateCPUMask(c, func(mask uint64) uint64 { return mask &^ (1 << uint(cpu)) })
}

// CPUPin restricts t to cpu.
func (t *Thread) CPUPin(c Caller, cpu int) error {
	if err := t.checkCPU(cpu); err != nil {
		return err
	}
	return t.updateCPUMask(c, func(uint64) uint64 { return 1 << uint(cpu) })
}

// CPUMask returns the CPUs t may run on.
func (t *Thread) CPUMask() uint64 {
	k := t.kernelFor(nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	return t.cpuMask
}

func (t *Thread) checkCPU(cpu int) error {
	k := t.kernelFor(nil)
	if cpu < 0 || cpu >= len(k.cpus) {
		return fmt.Errorf("%w: cpu %d out of range", ErrInvalid, cpu)
	}
	return nil
}

func (t *Thread) updateCPUMask(c Caller, fn func(mask uint64) uint64) error {
	k := t.kernelFor(c)
	self := k.enter(c)
	if t.state == StateReady || t.state == StateRunning {
		k.leave(self)
		return ErrInvalid
	}
	t.cpuMask = fn(t.cpuMask)
	k.leave(self)
	return nil
}
