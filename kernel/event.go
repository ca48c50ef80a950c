package kernel

// Event is a set of 32 event flags that threads may wait on, for any or all
// of a mask.
type Event struct {
	wq     WaitQueue
	k      *Kernel
	events uint32
}

// NewEvent returns an event with no flags set.
func (k *Kernel) NewEvent() *Event {
	e := &Event{k: k}
	e.wq.init(k, WaitPriority)
	return e
}

// Post sets the flags in events, waking every waiter now satisfied. It
// returns the previous flags.
func (e *Event) Post(c Caller, events uint32) uint32 {
	return e.update(c, func(cur uint32) uint32 { return cur | events })
}

// Set replaces the flags with events, waking every waiter now satisfied.
func (e *Event) Set(c Caller, events uint32) uint32 {
	return e.update(c, func(uint32) uint32 { return events })
}

// SetMasked replaces the flags within mask with those of events.
func (e *Event) SetMasked(c Caller, events, mask uint32) uint32 {
	return e.update(c, func(cur uint32) uint32 { return cur&^mask | events&mask })
}

// Clear clears the flags in events.
func (e *Event) Clear(c Caller, events uint32) uint32 {
	return e.update(c, func(cur uint32) uint32 { return cur &^ events })
}

func (e *Event) update(c Caller, fn func(cur uint32) uint32) uint32 {
	k := e.k
	self := k.enter(c)
	prev := e.events
	e.events = fn(prev)
	for n := range e.wq.list.All() {
		t := n.Value
		if matched, ok := e.match(t.eventWant, t.eventAll); ok {
			k.unpendLocked(t, nil, matched)
		}
	}
	k.leave(self)
	return prev
}

func (e *Event) match(want uint32, all bool) (uint32, bool) {
	matched := e.events & want
	if all {
		return matched, matched == want
	}
	return matched, matched != 0
}

// Wait waits up to timeout for any flag in mask, returning the matched
// flags. If reset is true, every flag is cleared before waiting. It returns
// ErrBusy if no flag matches and timeout is NoWait, or ErrTimeout.
func (e *Event) Wait(c Caller, mask uint32, reset bool, timeout Timeout) (uint32, error) {
	return e.wait(c, mask, false, reset, timeout)
}

// WaitAll is Wait, for every flag in mask.
func (e *Event) WaitAll(c Caller, mask uint32, reset bool, timeout Timeout) (uint32, error) {
	return e.wait(c, mask, true, reset, timeout)
}

func (e *Event) wait(c Caller, mask uint32, all, reset bool, timeout Timeout) (uint32, error) {
	k := e.k
	self := k.enter(c)
	if reset {
		e.events = 0
	}
	if matched, ok := e.match(mask, all); ok {
		k.leave(self)
		return matched, nil
	}
	if timeout.IsNoWait() {
		k.leave(self)
		return 0, ErrBusy
	}
	if self != nil {
		self.eventWant = mask
		self.eventAll = all
	}
	data, err := k.blockLocked(self, &e.wq, timeout)
	if err != nil {
		return 0, err
	}
	return data.(uint32), nil
}

// Test returns the flags currently set within mask.
func (e *Event) Test(mask uint32) uint32 {
	e.k.mu.Lock()
	defer e.k.mu.Unlock()
	return e.events & mask
}
