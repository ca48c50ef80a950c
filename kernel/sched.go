package kernel

import (
	"cmp"
	"fmt"
	"runtime"
)

// compare orders threads by priority, then (with deadline scheduling) by
// deadline, then by order key.
func (k *Kernel) compare(a, b *Thread) int {
	if a.prio != b.prio {
		return cmp.Compare(a.prio, b.prio)
	}
	if k.opts.deadlineSched && a.deadline != b.deadline {
		if TicksBefore(a.deadline, b.deadline) {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.order, b.order)
}

func (k *Kernel) orderLocked() uint64 {
	k.nextOrder++
	return k.nextOrder
}

// readyLocked makes t runnable, or suspends it if a suspension arrived
// while it was pending.
func (k *Kernel) readyLocked(t *Thread) {
	if t.suspendOnWake {
		t.suspendOnWake = false
		t.prestart = false
		t.state = StateSuspended
		k.trace(TraceSuspend, t)
		return
	}
	t.prestart = false
	t.state = StateReady
	t.order = k.orderLocked()
	t.fresh = true
	k.runq.add(t)
	k.trace(TraceReady, t)
	k.dispatchLocked()
}

// dispatchLocked assigns ready threads to idle CPUs, and flags busy CPUs
// whose thread should be preempted. The flag is acted upon at that
// thread's next kernel entry.
func (k *Kernel) dispatchLocked() {
	if k.state.Load() != KernelRunning {
		return
	}
	idle := true
	for _, c := range k.cpus {
		if c.current == nil {
			if t := k.runq.best(c.id); t != nil {
				k.runq.remove(t)
				k.switchInLocked(c, t)
			}
		}
		if c.current == nil {
			continue
		}
		idle = false
		if c.current == k.self {
			continue
		}
		if t := k.runq.best(c.id); t != nil && k.shouldPreempt(c, t) {
			if !c.resched {
				c.resched = true
				k.stats.IPIs++
			}
		} else if c.sliceExpired {
			c.sliceExpired = false
			c.sliceLeft = k.sliceFor(c.current)
		}
	}
	if idle && !k.opts.realtime && k.timeouts.len() != 0 {
		select {
		case k.idleCh <- struct{}{}:
		default:
		}
	}
}

// shouldPreempt reports whether cand should displace the thread running
// on c.
func (k *Kernel) shouldPreempt(c *cpu, cand *Thread) bool {
	cur := c.current
	if cur == nil || cur.state != StateRunning {
		return true
	}
	if cur.schedLock > 0 || cur.prio < 0 {
		return false
	}
	if cand.prio != cur.prio {
		return cand.prio < cur.prio
	}
	if c.sliceExpired || (k.opts.equalPreempt && cand.fresh) {
		return true
	}
	return k.opts.deadlineSched && TicksBefore(cand.deadline, cur.deadline)
}

// reschedLocked switches self out if a more urgent thread is ready, then
// releases the kernel lock.
func (k *Kernel) reschedLocked(self *Thread) {
	c := k.cpus[self.cpu]
	if cand := k.runq.best(c.id); cand != nil && k.shouldPreempt(c, cand) {
		k.stats.Preemptions++
		k.trace(TracePreempt, self)
		self.state = StateReady
		self.fresh = false
		if cand.prio == self.prio && !(k.opts.deadlineSched && cand.deadline != self.deadline) {
			// round robin
			self.order = k.orderLocked()
		}
		k.runq.add(self)
		k.swapLocked(self)
		return
	}
	c.resched = false
	if c.sliceExpired {
		c.sliceExpired = false
		c.sliceLeft = k.sliceFor(self)
	}
	k.unlock()
}

// swapLocked switches self off its CPU, having already been placed into
// its new state, then releases the kernel lock. It returns once self is
// scheduled again, with the error set by whoever made it ready. It never
// returns if self is, or becomes, DEAD.
func (k *Kernel) swapLocked(self *Thread) error {
	c := k.cpus[self.cpu]
	c.resched = false
	c.sliceExpired = false

	if self.state == StateReady && k.runq.best(c.id) == self {
		k.runq.remove(self)
		self.state = StateRunning
		c.sliceLeft = k.sliceFor(self)
		k.unlock()
		return nil
	}

	k.trace(TraceSwitchOut, self)
	c.current = nil
	self.cpu = -1
	k.dispatchLocked()

	dead := self.state == StateDead
	irq := self.irqLock > 0
	k.unlock()
	if irq {
		k.irqGate.Unlock()
	}
	if dead {
		runtime.Goexit()
	}

	if !<-self.baton {
		runtime.Goexit()
	}
	if irq {
		k.irqGate.Lock()
	}
	return self.swapErr
}

func (k *Kernel) switchInLocked(c *cpu, t *Thread) {
	c.current = t
	c.resched = false
	c.sliceExpired = false
	c.sliceLeft = k.sliceFor(t)
	t.cpu = c.id
	t.state = StateRunning
	t.fresh = false
	k.stats.ContextSwitches++
	k.trace(TraceSwitchIn, t)
	t.baton <- true
}

// pendLocked blocks t, which must be the calling thread, on q (if non-nil)
// with the given timeout. The default outcome is ErrTimeout.
func (k *Kernel) pendLocked(t *Thread, q *WaitQueue, timeout Timeout) {
	t.state = StatePending
	t.swapErr = ErrTimeout
	t.swapData = nil
	if q != nil {
		q.insertLocked(t)
	}
	if !timeout.IsForever() {
		k.timeouts.add(&t.timeout, k.ticksUntil(timeout))
	}
	k.trace(TracePend, t)
}

// blockLocked pends self on q and switches away, returning the hand-off
// data and error once woken.
func (k *Kernel) blockLocked(self *Thread, q *WaitQueue, timeout Timeout) (any, error) {
	if self == nil {
		k.fatalLocked(nil, ReasonBlockingInISR, fmt.Sprintf(`blocking wait (%s) in interrupt context`, timeout))
	}
	k.pendLocked(self, q, timeout)
	err := k.swapLocked(self)
	data := self.swapData
	self.swapData = nil
	return data, err
}

// unpendLocked resolves the wait of t, a PENDING thread, with err and data.
func (k *Kernel) unpendLocked(t *Thread, err error, data any) {
	if t.pendQ != nil {
		t.pendQ.removeLocked(t)
	}
	k.timeouts.cancel(&t.timeout)
	t.swapErr = err
	t.swapData = data
	k.readyLocked(t)
}

// threadTimeoutLocked fires when a pending thread's timeout expires.
func (k *Kernel) threadTimeoutLocked(t *Thread) {
	if t.state != StatePending {
		return
	}
	if t.pendQ != nil {
		t.pendQ.removeLocked(t)
	}
	k.trace(TraceTimeout, t)
	k.readyLocked(t)
}

// exitLocked terminates self, the calling thread. It never returns.
func (k *Kernel) exitLocked(self *Thread) {
	k.self = self
	k.teardownLocked(self)
	k.swapLocked(self)
	panic(`unreachable`)
}

// killLocked terminates t, which must not be running.
func (k *Kernel) killLocked(t *Thread) {
	if t.state == StateDead {
		return
	}
	k.teardownLocked(t)
	t.baton <- false
}

// teardownLocked removes t from every kernel structure, marks it DEAD and
// wakes its joiners.
func (k *Kernel) teardownLocked(t *Thread) {
	switch t.state {
	case StateDead:
		return
	case StateReady:
		k.runq.remove(t)
	case StatePending:
		if t.pendQ != nil {
			t.pendQ.removeLocked(t)
		}
	}
	k.timeouts.cancel(&t.timeout)
	t.state = StateDead
	t.abortPending = false
	t.suspendPending = false
	t.suspendOnWake = false
	t.prestart = false
	k.threads.Remove(&t.allNode)
	k.joinWakeLocked(t)
	close(t.done)
	k.trace(TraceExit, t)
	k.logThread(k.logger.Debug(), t).Log(`thread exited`)
}

func (k *Kernel) joinWakeLocked(t *Thread) {
	t.joinQ.wakeAllLocked(nil, nil)
}

// threadMain is the body of every thread goroutine.
func (k *Kernel) threadMain(t *Thread) {
	if !<-t.baton {
		return
	}
	t.goid.Store(goroutineID())
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(*FatalError); ok {
				panic(err)
			}
			cause, _ := r.(error)
			k.fatal(t, ReasonThreadPanic, fmt.Sprint(r), cause)
		}
	}()
	t.entry(t)
	k.mu.Lock()
	k.exitLocked(t)
}

func (k *Kernel) sliceFor(t *Thread) uint64 {
	if t.sliceTicks != nil {
		return uint64(*t.sliceTicks)
	}
	if k.opts.sliceTicks == 0 || t.prio < 0 || t.prio < k.opts.sliceMaxPrio {
		return 0
	}
	return uint64(k.opts.sliceTicks)
}

// sliceLocked charges elapsed ticks to every running time-sliced thread.
func (k *Kernel) sliceLocked(ticks uint64) {
	for _, c := range k.cpus {
		if c.current == nil || c.sliceLeft == 0 {
			continue
		}
		if c.sliceLeft > ticks {
			c.sliceLeft -= ticks
			continue
		}
		c.sliceLeft = 0
		c.sliceExpired = true
	}
}
