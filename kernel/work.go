package kernel

import (
	"fmt"

	"github.com/joeycumines/go-rtos/internal/dlist"
)

type (
	// WorkHandler processes a Work item, on the thread of a WorkQueue.
	WorkHandler func(th *Thread, w *Work)

	// WorkFlags reports the state of a Work item.
	WorkFlags uint8

	// WorkQueue is a thread that runs submitted Work items, one at a time,
	// in submission order. It is started by Kernel.StartWorkQueue, and runs
	// for the life of the kernel.
	WorkQueue struct {
		items   *Queue[*Work]
		thread  *Thread
		drainQ  WaitQueue
		busy    *Work
		// queued counts submitted items not yet taken by the thread,
		// including those handed to it directly
		queued  int
		plugged bool
		drain   bool
	}

	// Work is a deferred function call, submitted to a WorkQueue. A Work may
	// be submitted again while it is running, but is queued at most once.
	Work struct {
		// UserData is available for use by the handler.
		UserData any
		k        *Kernel
		handler  WorkHandler
		delayed  *DelayableWork
		// q is the queue the item is queued or running on
		q        *WorkQueue
		doneQ    WaitQueue
		flags    WorkFlags
	}

	// DelayableWork is a Work that may be scheduled to be submitted after a
	// delay.
	DelayableWork struct {
		work Work
		to   timeout
		// q is the queue the item is submitted to when the delay expires
		q    *WorkQueue
	}
)

// Work flags.
const (
	// WorkQueued is set while the item is waiting for its queue's thread.
	WorkQueued WorkFlags = 1 << iota
	// WorkRunning is set while the handler runs.
	WorkRunning
	// WorkDelayed is set while a DelayableWork waits for its delay.
	WorkDelayed
	// WorkCanceling is set while CancelSync waits for the handler.
	WorkCanceling
)

// StartWorkQueue spawns the thread of a new work queue. The options are
// those of Spawn, and default to a cooperative priority of -1.
func (k *Kernel) StartWorkQueue(c Caller, opts ...ThreadOption) *WorkQueue {
	q := k.newWorkQueue()
	q.thread = k.Spawn(c, q.run, append([]ThreadOption{
		WithName(`workq`),
		WithPriority(k.workPrio()),
	}, opts...)...)
	return q
}

func (k *Kernel) newWorkQueue() *WorkQueue {
	q := &WorkQueue{items: NewQueue[*Work](k)}
	q.drainQ.init(k, WaitFIFO)
	return q
}

func (k *Kernel) workPrio() int {
	if k.validPrio(-1) {
		return -1
	}
	return 0
}

// systemWorkQueueLocked returns the system work queue, starting it on first
// use.
func (k *Kernel) systemWorkQueueLocked() *WorkQueue {
	if k.sysWorkQ == nil {
		q := k.newWorkQueue()
		q.thread = k.spawnLocked(q.run, &threadConfig{
			name: `sysworkq`,
			prio: k.workPrio(),
			mask: k.allCPUs,
		})
		k.sysWorkQ = q
	}
	return k.sysWorkQ
}

// Thread returns the thread that runs the queue's items.
func (q *WorkQueue) Thread() *Thread {
	return q.thread
}

// Drain waits until the queue is empty and idle. If plug is true, the queue
// then rejects submissions with ErrBusy, until Unplug is called. It reports
// whether it had to wait.
func (q *WorkQueue) Drain(c Caller, plug bool) bool {
	k := q.items.k
	self := k.enter(c)
	if plug {
		q.plugged = true
	}
	if q.idleLocked() {
		k.leave(self)
		return false
	}
	q.drain = true
	_, _ = k.blockLocked(self, &q.drainQ, Forever)
	return true
}

// Unplug allows submissions to a queue plugged by Drain. It reports whether
// the queue was plugged.
func (q *WorkQueue) Unplug(c Caller) bool {
	k := q.items.k
	self := k.enter(c)
	ok := q.plugged
	q.plugged = false
	k.leave(self)
	return ok
}

func (q *WorkQueue) idleLocked() bool {
	return q.busy == nil && q.queued == 0
}

func (q *WorkQueue) run(th *Thread) {
	k := th.k
	for {
		w, err := q.items.Get(th, Forever)
		if err != nil {
			continue
		}

		self := k.enter(th)
		q.queued--
		w.flags &^= WorkQueued
		w.flags |= WorkRunning
		q.busy = w
		k.leave(self)

		w.handler(th, w)

		self = k.enter(th)
		w.flags &^= WorkRunning
		q.busy = nil
		if w.flags&WorkQueued == 0 {
			w.q = nil
		}
		w.doneQ.wakeAllLocked(nil, nil)
		if q.drain && q.idleLocked() {
			q.drain = false
			q.drainQ.wakeAllLocked(nil, nil)
		}
		k.leave(self)
	}
}

// NewWork returns a Work that will call handler.
func (k *Kernel) NewWork(handler WorkHandler) *Work {
	w := &Work{}
	w.init(k, handler)
	return w
}

func (w *Work) init(k *Kernel, handler WorkHandler) {
	if handler == nil {
		k.fatal(nil, ReasonInvalidArgument, `nil work handler`, nil)
	}
	w.k = k
	w.handler = handler
	w.doneQ.init(k, WaitFIFO)
}

// Delayable returns the DelayableWork w belongs to, or nil.
func (w *Work) Delayable() *DelayableWork {
	return w.delayed
}

// Submit is SubmitToQueue, for the system work queue, which is started on
// first use.
func (w *Work) Submit(c Caller) (bool, error) {
	return w.SubmitToQueue(c, nil)
}

// SubmitToQueue queues w on q, or the system work queue if q is nil. It
// returns true if w was queued by this call, and false if it was already
// queued. Work that is running is queued again, on the queue it is running
// on. It returns ErrBusy if w is being canceled, or q is plugged.
func (w *Work) SubmitToQueue(c Caller, q *WorkQueue) (bool, error) {
	k := w.k
	self := k.enter(c)
	ok, err := w.submitLocked(q)
	k.leave(self)
	return ok, err
}

func (w *Work) submitLocked(q *WorkQueue) (bool, error) {
	switch {
	case w.flags&WorkCanceling != 0:
		return false, fmt.Errorf("%w: work is being canceled", ErrBusy)
	case w.flags&WorkQueued != 0:
		return false, nil
	case w.flags&WorkRunning != 0:
		q = w.q
	case q == nil:
		q = w.k.systemWorkQueueLocked()
	}
	if q.plugged {
		return false, fmt.Errorf("%w: work queue plugged", ErrBusy)
	}
	w.flags |= WorkQueued
	w.q = q
	q.queued++
	q.items.putLocked(w, func(n *dlist.Node[*Work]) { q.items.data.PushBack(n) })
	return true, nil
}

// Busy returns the current flags of w.
func (w *Work) Busy() WorkFlags {
	w.k.mu.Lock()
	defer w.k.mu.Unlock()
	return w.flags
}

// IsPending reports whether w is queued or running.
func (w *Work) IsPending() bool {
	return w.Busy()&(WorkQueued|WorkRunning|WorkDelayed) != 0
}

// Cancel removes w from its queue, if it is queued, returning the flags
// that remain set. A running handler is not interrupted, see CancelSync.
func (w *Work) Cancel(c Caller) WorkFlags {
	k := w.k
	self := k.enter(c)
	flags := w.cancelLocked()
	k.leave(self)
	return flags
}

func (w *Work) cancelLocked() WorkFlags {
	if w.flags&WorkQueued != 0 {
		if n := w.q.items.findLocked(w); n != nil {
			w.q.items.data.Remove(n)
			w.q.queued--
			w.flags &^= WorkQueued
			if w.flags&WorkRunning == 0 {
				w.q = nil
			}
		}
		// otherwise the queue thread has taken it, and is about to run it
	}
	return w.flags
}

// CancelSync is Cancel, then waits for a running handler to return. Until
// it does, submissions of w fail with ErrBusy. It reports whether w was
// pending.
func (w *Work) CancelSync(c Caller) bool {
	k := w.k
	self := k.enter(c)
	return w.cancelSyncLocked(c, self)
}

func (w *Work) cancelSyncLocked(c Caller, self *Thread) bool {
	k := w.k
	pending := w.flags&(WorkQueued|WorkRunning|WorkDelayed) != 0
	if w.delayed != nil {
		w.delayed.stopLocked()
	}
	if w.cancelLocked() == 0 {
		k.leave(self)
		return pending
	}
	w.flags |= WorkCanceling
	for w.flags&(WorkQueued|WorkRunning) != 0 {
		_, _ = k.blockLocked(self, &w.doneQ, Forever)
		self = k.enter(c)
	}
	w.flags &^= WorkCanceling
	k.leave(self)
	return pending
}

// Flush waits for w to finish, if it is queued or running. It reports
// whether it had to wait. Work that keeps resubmitting itself is never
// flushed.
func (w *Work) Flush(c Caller) bool {
	k := w.k
	self := k.enter(c)
	waited := false
	for w.flags&(WorkQueued|WorkRunning) != 0 {
		waited = true
		_, _ = k.blockLocked(self, &w.doneQ, Forever)
		self = k.enter(c)
	}
	k.leave(self)
	return waited
}

// NewDelayableWork returns a DelayableWork that will call handler.
func (k *Kernel) NewDelayableWork(handler WorkHandler) *DelayableWork {
	d := &DelayableWork{}
	d.work.init(k, handler)
	d.work.delayed = d
	d.to.init(func(*timeout) { d.expireLocked() })
	return d
}

// Work returns the underlying work item, as passed to the handler.
func (d *DelayableWork) Work() *Work {
	return &d.work
}

// Schedule is ScheduleForQueue, for the system work queue.
func (d *DelayableWork) Schedule(c Caller, delay Timeout) (bool, error) {
	return d.ScheduleForQueue(c, nil, delay)
}

// ScheduleForQueue submits d to q (or the system work queue, if nil) after
// delay, unless it is already delayed or queued, in which case it returns
// false. A NoWait delay submits immediately.
func (d *DelayableWork) ScheduleForQueue(c Caller, q *WorkQueue, delay Timeout) (bool, error) {
	k := d.work.k
	self := k.enter(c)
	var (
		ok  bool
		err error
	)
	if d.work.flags&(WorkQueued|WorkDelayed) == 0 {
		ok, err = d.scheduleLocked(q, delay)
	}
	k.leave(self)
	return ok, err
}

// Reschedule is RescheduleForQueue, for the system work queue.
func (d *DelayableWork) Reschedule(c Caller, delay Timeout) (bool, error) {
	return d.RescheduleForQueue(c, nil, delay)
}

// RescheduleForQueue is ScheduleForQueue, first canceling any pending delay
// or submission, so the delay always restarts.
func (d *DelayableWork) RescheduleForQueue(c Caller, q *WorkQueue, delay Timeout) (bool, error) {
	k := d.work.k
	self := k.enter(c)
	var (
		ok  bool
		err error
	)
	if d.work.flags&WorkCanceling != 0 {
		err = fmt.Errorf("%w: work is being canceled", ErrBusy)
	} else {
		d.stopLocked()
		d.work.cancelLocked()
		ok, err = d.scheduleLocked(q, delay)
	}
	k.leave(self)
	return ok, err
}

func (d *DelayableWork) scheduleLocked(q *WorkQueue, delay Timeout) (bool, error) {
	k := d.work.k
	if d.work.flags&WorkCanceling != 0 {
		return false, fmt.Errorf("%w: work is being canceled", ErrBusy)
	}
	if q == nil {
		q = k.systemWorkQueueLocked()
	}
	if delay.IsNoWait() {
		return d.work.submitLocked(q)
	}
	if delay.IsForever() {
		return false, nil
	}
	d.q = q
	d.work.flags |= WorkDelayed
	k.timeouts.add(&d.to, k.ticksUntil(delay))
	return true, nil
}

func (d *DelayableWork) expireLocked() {
	d.work.flags &^= WorkDelayed
	q := d.q
	d.q = nil
	if _, err := d.work.submitLocked(q); err != nil {
		if b := d.work.k.warning(`work_dropped`); b != nil {
			b.Err(err).Log(`delayed work not submitted`)
		}
	}
}

func (d *DelayableWork) stopLocked() {
	if d.work.k.timeouts.cancel(&d.to) {
		d.work.flags &^= WorkDelayed
		d.q = nil
	}
}

// Cancel stops a pending delay, and removes d from its queue, returning the
// flags that remain set.
func (d *DelayableWork) Cancel(c Caller) WorkFlags {
	k := d.work.k
	self := k.enter(c)
	d.stopLocked()
	flags := d.work.cancelLocked()
	k.leave(self)
	return flags
}

// CancelSync is Cancel, then waits for a running handler to return. It
// reports whether d was pending.
func (d *DelayableWork) CancelSync(c Caller) bool {
	return d.work.CancelSync(c)
}

// Flush submits d immediately if it is delayed, then waits for it to
// finish. It reports whether it had to wait.
func (d *DelayableWork) Flush(c Caller) bool {
	k := d.work.k
	self := k.enter(c)
	if q := d.q; q != nil && d.work.k.timeouts.cancel(&d.to) {
		d.work.flags &^= WorkDelayed
		d.q = nil
		_, _ = d.work.submitLocked(q)
	}
	k.leave(self)
	return d.work.Flush(c)
}

// Busy returns the current flags of d.
func (d *DelayableWork) Busy() WorkFlags {
	return d.work.Busy()
}

// IsPending reports whether d is delayed, queued or running.
func (d *DelayableWork) IsPending() bool {
	return d.work.IsPending()
}

// Remaining returns the ticks until the delay expires, or 0 if d is not
// delayed.
func (d *DelayableWork) Remaining() uint64 {
	k := d.work.k
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.timeouts.remaining(&d.to)
}

// Expires returns the uptime at which the delay expires, or 0 if d is not
// delayed.
func (d *DelayableWork) Expires() uint64 {
	k := d.work.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if !d.to.active() {
		return 0
	}
	return k.tick.Load() + k.timeouts.remaining(&d.to)
}
