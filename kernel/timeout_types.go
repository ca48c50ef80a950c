package kernel

import (
	"fmt"
	"math"
	"time"
)

// Timeout specifies how long a blocking operation may wait. The zero value
// is NoWait.
type Timeout struct {
	ticks   uint64
	abs     bool
	forever bool
}

var (
	// NoWait indicates the operation must not block.
	NoWait = Timeout{}

	// Forever indicates the operation may block indefinitely. A Forever
	// timeout is never inserted into the timeout list.
	Forever = Timeout{forever: true}
)

// Ticks returns a relative timeout of n ticks. Ticks(0) is NoWait.
func Ticks(n uint64) Timeout {
	return Timeout{ticks: n}
}

// AbsTicks returns a timeout that expires once the uptime reaches tick.
func AbsTicks(tick uint64) Timeout {
	return Timeout{ticks: tick, abs: true}
}

// Ms converts milliseconds to a relative timeout, rounding up to whole ticks.
func (k *Kernel) Ms(ms uint64) Timeout {
	return Ticks(msToTicks(ms, uint64(k.opts.ticksPerSecond)))
}

// Duration converts d to a relative timeout, rounding up to whole ticks. A
// negative duration is Forever.
func (k *Kernel) Duration(d time.Duration) Timeout {
	if d < 0 {
		return Forever
	}
	hz := uint64(k.opts.ticksPerSecond)
	ns := uint64(d)
	return Ticks(ns/uint64(time.Second)*hz + ceilDiv(ns%uint64(time.Second)*hz, uint64(time.Second)))
}

// TicksToDuration converts ticks to a wall-clock duration.
func (k *Kernel) TicksToDuration(ticks uint64) time.Duration {
	hz := uint64(k.opts.ticksPerSecond)
	return time.Duration(ticks/hz)*time.Second + time.Duration(ticks%hz)*time.Second/time.Duration(hz)
}

// IsNoWait reports whether t is NoWait.
func (t Timeout) IsNoWait() bool {
	return !t.forever && !t.abs && t.ticks == 0
}

// IsForever reports whether t is Forever.
func (t Timeout) IsForever() bool {
	return t.forever
}

// String returns a human-readable representation of the timeout.
func (t Timeout) String() string {
	switch {
	case t.forever:
		return "Forever"
	case t.abs:
		return fmt.Sprintf("AbsTicks(%d)", t.ticks)
	case t.ticks == 0:
		return "NoWait"
	default:
		return fmt.Sprintf("Ticks(%d)", t.ticks)
	}
}

// delta returns the number of ticks after now that t expires. An absolute
// timeout in the past expires at the next announcement.
func (t Timeout) delta(now uint64) uint64 {
	if t.abs {
		if t.ticks <= now {
			return 0
		}
		return t.ticks - now
	}
	return t.ticks
}

// ticksUntil returns the ticks from the current uptime until t expires.
// With realtime ticks, relative timeouts are padded by one tick, as the
// current tick is already partially elapsed. Must be called with the kernel
// lock held.
func (k *Kernel) ticksUntil(t Timeout) uint64 {
	ticks := t.delta(k.tick.Load())
	if k.opts.realtime && !t.abs && ticks != 0 {
		ticks++
	}
	return ticks
}

// TicksBefore reports whether 32-bit tick a is before b, correctly across
// counter wrap, provided they are less than half the counter range apart.
func TicksBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// TicksSince returns the ticks elapsed from then to now, correctly across a
// single counter wrap.
func TicksSince(now, then uint32) uint32 {
	return now - then
}

func msToTicks(ms, hz uint64) uint64 {
	if ms > math.MaxUint64/hz {
		return ms / 1000 * hz
	}
	return ceilDiv(ms*hz, 1000)
}

func ceilDiv(a, b uint64) uint64 {
	return a/b + min(a%b, 1)
}
