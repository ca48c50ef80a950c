package kernel

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// warningRates bounds the frequency of warnings, per category.
var warningRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

func newWarningLimiter() *catrate.Limiter {
	return catrate.NewLimiter(warningRates)
}

// warning returns a builder for a rate limited warning, or nil if the
// warning should be dropped.
func (k *Kernel) warning(category string) *logiface.Builder[logiface.Event] {
	b := k.logger.Warning()
	if !b.Enabled() {
		return nil
	}
	if _, ok := k.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str(`category`, category)
}

func (k *Kernel) logThread(b *logiface.Builder[logiface.Event], t *Thread) *logiface.Builder[logiface.Event] {
	return b.Uint64(`thread`, t.id).
		Str(`name`, t.name).
		Int(`prio`, t.prio)
}
