package kernel

// Mutex is a recursive, thread-owned lock with priority inheritance: while a
// more urgent thread waits, the owner runs at the waiter's priority, bounded
// by the configured ceiling. Unlock hands ownership directly to the most
// urgent waiter. A Mutex may not be used from interrupt context.
type Mutex struct {
	wq        WaitQueue
	k         *Kernel
	owner     *Thread
	lockCount uint32
	// ownerPrio is the owner's priority when it acquired the lock
	ownerPrio int
}

// NewMutex returns an unlocked mutex.
func (k *Kernel) NewMutex() *Mutex {
	m := &Mutex{k: k}
	m.wq.init(k, WaitPriority)
	return m
}

// Lock acquires m, waiting up to timeout. It returns ErrBusy if m is owned
// by another thread and timeout is NoWait, or ErrTimeout if the wait
// expires.
func (m *Mutex) Lock(c Caller, timeout Timeout) error {
	k := m.k
	self := k.enter(c)
	if self == nil {
		k.fatalLocked(nil, ReasonInvalidCaller, `mutex lock in interrupt context`)
	}

	if m.lockCount == 0 || m.owner == self {
		if m.lockCount == 0 {
			m.ownerPrio = self.prio
		}
		m.lockCount++
		m.owner = self
		k.leave(self)
		return nil
	}

	if timeout.IsNoWait() {
		k.leave(self)
		return ErrBusy
	}

	if prio := k.inheritedPrio(self.prio, m.owner.prio); prio < m.owner.prio {
		k.setPrioLocked(m.owner, prio)
	}

	_, err := k.blockLocked(self, &m.wq, timeout)
	if err == nil {
		return nil
	}

	// the wait failed, so the owner may be over-boosted
	self = k.enter(c)
	if m.owner != nil {
		prio := m.ownerPrio
		if t := m.wq.frontLocked(); t != nil {
			prio = min(prio, k.inheritedPrio(t.prio, prio))
		}
		k.setPrioLocked(m.owner, prio)
	}
	k.leave(self)
	return err
}

// inheritedPrio returns the priority an owner at limit should run at, while
// a thread at target waits.
func (k *Kernel) inheritedPrio(target, limit int) int {
	prio := min(target, limit)
	return max(prio, k.opts.ceilingPrio)
}

// Unlock releases one level of m. It returns ErrInvalid if m is not locked,
// or ErrPerm if the caller is not the owner.
func (m *Mutex) Unlock(c Caller) error {
	k := m.k
	self := k.enter(c)
	if self == nil {
		k.fatalLocked(nil, ReasonInvalidCaller, `mutex unlock in interrupt context`)
	}
	err := m.unlockLocked(self)
	k.leave(self)
	return err
}

func (m *Mutex) unlockLocked(self *Thread) error {
	switch {
	case m.owner == nil:
		return ErrInvalid
	case m.owner != self:
		return ErrPerm
	}
	m.lockCount--
	if m.lockCount != 0 {
		return nil
	}
	m.k.setPrioLocked(self, m.ownerPrio)
	t := m.wq.popLocked()
	m.owner = t
	if t != nil {
		m.lockCount = 1
		m.ownerPrio = t.prio
		m.k.unpendLocked(t, nil, nil)
	}
	return nil
}

// Owner returns the owning thread, or nil.
func (m *Mutex) Owner() *Thread {
	m.k.mu.Lock()
	defer m.k.mu.Unlock()
	return m.owner
}
