package kernel

import (
	"github.com/joeycumines/go-rtos/internal/dlist"
)

type (
	// timeout is an entry in the timeout list. Entries are embedded in the
	// objects that own them, and are only accessed under the kernel lock.
	timeout struct {
		fn     func(to *timeout)
		node   dlist.Node[*timeout]
		dticks uint64
	}

	// timeoutList is a delta list: each entry stores the ticks remaining
	// after its predecessor expires, so only the head is ever adjusted as
	// time passes.
	timeoutList struct {
		list dlist.List[*timeout]
	}
)

func (to *timeout) init(fn func(to *timeout)) {
	to.fn = fn
	to.node.Value = to
}

func (to *timeout) active() bool {
	return to.node.Linked()
}

// add schedules to to fire ticks after the current tick. Entries with equal
// deadlines fire in the order they were added.
func (x *timeoutList) add(to *timeout, ticks uint64) {
	if to.active() {
		panic(`kernel: timeout already scheduled`)
	}
	for n := range x.list.All() {
		if ticks < n.Value.dticks {
			n.Value.dticks -= ticks
			to.dticks = ticks
			x.list.InsertBefore(&to.node, n)
			return
		}
		ticks -= n.Value.dticks
	}
	to.dticks = ticks
	x.list.PushBack(&to.node)
}

// cancel unschedules to, returning false if it was not scheduled.
func (x *timeoutList) cancel(to *timeout) bool {
	if !to.node.In(&x.list) {
		return false
	}
	if next := to.node.Next(); next != nil {
		next.Value.dticks += to.dticks
	}
	x.list.Remove(&to.node)
	to.dticks = 0
	return true
}

// remaining returns the ticks until to fires, or 0 if it is not scheduled.
func (x *timeoutList) remaining(to *timeout) uint64 {
	if !to.node.In(&x.list) {
		return 0
	}
	var ticks uint64
	for n := range x.list.All() {
		ticks += n.Value.dticks
		if n == &to.node {
			break
		}
	}
	return ticks
}

// next returns the ticks until the earliest entry fires.
func (x *timeoutList) next() (uint64, bool) {
	if n := x.list.Front(); n != nil {
		return n.Value.dticks, true
	}
	return 0, false
}

func (x *timeoutList) len() int {
	return x.list.Len()
}

// advance moves time forward by ticks, firing every entry that falls due, in
// deadline order. The now callback is invoked before each entry fires, with
// the ticks consumed so far, so that entries added by fn are scheduled
// relative to the firing entry's deadline. It returns the number of entries
// fired.
func (x *timeoutList) advance(ticks uint64, now func(elapsed uint64), fn func(to *timeout)) int {
	var (
		elapsed uint64
		fired   int
	)
	for {
		n := x.list.Front()
		if n == nil || n.Value.dticks > ticks-elapsed {
			if n != nil {
				n.Value.dticks -= ticks - elapsed
			}
			now(ticks)
			return fired
		}
		to := n.Value
		elapsed += to.dticks
		to.dticks = 0
		x.list.Remove(n)
		now(elapsed)
		fired++
		fn(to)
	}
}
