package kernel

// TimerFunc is a Timer callback. Expiry callbacks run in interrupt
// context. Stop callbacks run in the context of the caller of Stop.
type TimerFunc func(c Caller, tm *Timer)

// Timer invokes a callback after a duration, and optionally periodically
// thereafter. Threads may also wait for it to expire, see StatusSync.
type Timer struct {
	// UserData is available for use by callbacks.
	UserData any
	wq       WaitQueue
	k        *Kernel
	expiry   TimerFunc
	stop     TimerFunc
	to       timeout
	period   uint64
	status   uint32
}

// NewTimer returns a stopped timer. Either callback may be nil.
func (k *Kernel) NewTimer(expiry, stop TimerFunc) *Timer {
	tm := &Timer{k: k, expiry: expiry, stop: stop}
	tm.wq.init(k, WaitPriority)
	tm.to.init(func(*timeout) { tm.expireLocked() })
	return tm
}

// Start (re)starts the timer, to first expire after duration, then every
// period. A NoWait or Forever period makes it one-shot. A Forever duration
// leaves the timer stopped. The status is reset to zero.
func (tm *Timer) Start(c Caller, duration, period Timeout) {
	k := tm.k
	self := k.enter(c)
	k.timeouts.cancel(&tm.to)
	tm.status = 0
	tm.period = 0
	if !period.IsForever() && !period.abs {
		tm.period = period.ticks
	}
	if !duration.IsForever() {
		k.timeouts.add(&tm.to, k.ticksUntil(duration))
	}
	k.leave(self)
}

func (tm *Timer) expireLocked() {
	k := tm.k
	if tm.period != 0 {
		k.timeouts.add(&tm.to, tm.period)
	}
	tm.status++
	if tm.expiry != nil {
		k.deferred = append(k.deferred, func(isr *ISR) { tm.expiry(isr, tm) })
	}
	tm.wq.wakeAllLocked(nil, nil)
}

// Stop stops the timer, if it is running, calling the stop callback then
// waking every thread in StatusSync.
func (tm *Timer) Stop(c Caller) {
	k := tm.k
	self := k.enter(c)
	if !k.timeouts.cancel(&tm.to) {
		k.leave(self)
		return
	}
	if tm.stop != nil {
		k.unlock()
		tm.stop(c, tm)
		self = k.enter(c)
	}
	tm.wq.wakeAllLocked(nil, nil)
	k.leave(self)
}

// Status returns the number of expiries since the last Start or status
// read, and resets it to zero.
func (tm *Timer) Status(c Caller) uint32 {
	k := tm.k
	self := k.enter(c)
	status := tm.status
	tm.status = 0
	k.leave(self)
	return status
}

// StatusSync is Status, first waiting for the next expiry or Stop, if the
// status is zero and the timer is running.
func (tm *Timer) StatusSync(c Caller) uint32 {
	k := tm.k
	self := k.enter(c)
	if tm.status == 0 && tm.to.active() {
		k.blockLocked(self, &tm.wq, Forever)
		self = k.enter(c)
	}
	status := tm.status
	tm.status = 0
	k.leave(self)
	return status
}

// Running reports whether the timer is scheduled to expire.
func (tm *Timer) Running() bool {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	return tm.to.active()
}

// RemainingTicks returns the ticks until the next expiry, or 0 if the timer
// is stopped.
func (tm *Timer) RemainingTicks() uint64 {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	return tm.k.timeouts.remaining(&tm.to)
}

// ExpiresTicks returns the uptime of the next expiry, or 0 if the timer is
// stopped.
func (tm *Timer) ExpiresTicks() uint64 {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	if !tm.to.active() {
		return 0
	}
	return tm.k.tick.Load() + tm.k.timeouts.remaining(&tm.to)
}
