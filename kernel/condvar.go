package kernel

// CondVar is a condition variable, used with a Mutex.
type CondVar struct {
	wq WaitQueue
	k  *Kernel
}

// NewCondVar returns a condition variable with no waiters.
func (k *Kernel) NewCondVar() *CondVar {
	cv := &CondVar{k: k}
	cv.wq.init(k, WaitPriority)
	return cv
}

// Wait atomically releases m, which the caller must hold (once), and waits
// up to timeout for Signal or Broadcast. The mutex is reacquired before
// Wait returns, regardless of the outcome. It returns ErrTimeout if the
// wait expires, or the error from releasing m.
func (cv *CondVar) Wait(c Caller, m *Mutex, timeout Timeout) error {
	k := cv.k
	self := k.enter(c)
	if self == nil {
		k.fatalLocked(nil, ReasonBlockingInISR, `condition variable wait in interrupt context`)
	}
	if err := m.unlockLocked(self); err != nil {
		k.leave(self)
		return err
	}
	var err error
	if timeout.IsNoWait() {
		k.leave(self)
		err = ErrTimeout
	} else {
		_, err = k.blockLocked(self, &cv.wq, timeout)
	}
	if lockErr := m.Lock(c, Forever); lockErr != nil {
		return lockErr
	}
	return err
}

// Signal wakes the most urgent waiter, if any.
func (cv *CondVar) Signal(c Caller) {
	cv.wq.WakeOne(c, nil, nil)
}

// Broadcast wakes every waiter, returning the number woken.
func (cv *CondVar) Broadcast(c Caller) int {
	return cv.wq.WakeAll(c, nil, nil)
}
