package kernel

import (
	"fmt"
)

// Sem is a counting semaphore. A give with waiters hands the unit directly
// to the most urgent waiter, without changing the count.
type Sem struct {
	wq    WaitQueue
	k     *Kernel
	count uint32
	limit uint32
}

// NewSem returns a semaphore with the given initial count, which saturates
// at limit.
func (k *Kernel) NewSem(initial, limit uint32) (*Sem, error) {
	if limit == 0 || initial > limit {
		return nil, fmt.Errorf("%w: semaphore initial %d limit %d", ErrInvalid, initial, limit)
	}
	s := &Sem{k: k, count: initial, limit: limit}
	s.wq.init(k, WaitPriority)
	return s, nil
}

// Give releases a unit. Giving a semaphore at its limit, with no waiters, is
// a no-op.
func (s *Sem) Give(c Caller) {
	k := s.k
	self := k.enter(c)
	if t := s.wq.popLocked(); t != nil {
		k.unpendLocked(t, nil, nil)
	} else if s.count < s.limit {
		s.count++
	} else if b := k.warning(`sem_saturated`); b != nil {
		b.Uint64(`limit`, uint64(s.limit)).Log(`semaphore give at limit`)
	}
	k.leave(self)
}

// Take acquires a unit, waiting up to timeout. It returns ErrBusy if the
// count is zero and timeout is NoWait, or ErrTimeout if the wait expires.
func (s *Sem) Take(c Caller, timeout Timeout) error {
	k := s.k
	self := k.enter(c)
	if s.count > 0 {
		s.count--
		k.leave(self)
		return nil
	}
	if timeout.IsNoWait() {
		k.leave(self)
		return ErrBusy
	}
	_, err := k.blockLocked(self, &s.wq, timeout)
	return err
}

// Reset sets the count to zero, and resolves every wait with ErrTimeout.
func (s *Sem) Reset(c Caller) {
	k := s.k
	self := k.enter(c)
	s.count = 0
	s.wq.wakeAllLocked(ErrTimeout, nil)
	k.leave(self)
}

// Count returns the current count.
func (s *Sem) Count() uint32 {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.count
}

// Limit returns the maximum count.
func (s *Sem) Limit() uint32 {
	return s.limit
}
