// Package scenario implements the workloads run by rtsim.
package scenario

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/joeycumines/go-rtos/kernel"
)

type (
	// Builder returns the main thread of a scenario, which records its
	// results in rep.
	Builder func(k *kernel.Kernel, p Params, rep *Report) func(th *kernel.Thread)

	// Params configures a scenario.
	Params struct {
		// Rounds is the scenario specific amount of work, e.g. the number
		// of items to pass through the pipeline.
		Rounds int
	}

	// Report collects the results of a scenario, from any thread.
	Report struct {
		values map[string]int64
		err    error
		mu     sync.Mutex
	}
)

var registry = map[string]Builder{
	`pingpong`:     PingPong,
	`philosophers`: Philosophers,
	`pipeline`:     Pipeline,
}

// Names returns the registered scenario names, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Lookup returns the named scenario.
func Lookup(name string) (Builder, error) {
	if b, ok := registry[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf(`scenario: unknown scenario %q, expected one of %q`, name, Names())
}

// Add adds delta to the named value.
func (x *Report) Add(key string, delta int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.values == nil {
		x.values = make(map[string]int64)
	}
	x.values[key] += delta
}

// Values returns a copy of the recorded values.
func (x *Report) Values() map[string]int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return maps.Clone(x.values)
}

// Fail records err, if it is the first.
func (x *Report) Fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err == nil {
		x.err = err
	}
}

// Err returns the first error passed to Fail.
func (x *Report) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// PingPong bounces a token between two threads, using a pair of
// semaphores.
func PingPong(k *kernel.Kernel, p Params, rep *Report) func(th *kernel.Thread) {
	return func(th *kernel.Thread) {
		ping, err := k.NewSem(0, 1)
		if err != nil {
			rep.Fail(err)
			return
		}
		pong, err := k.NewSem(0, 1)
		if err != nil {
			rep.Fail(err)
			return
		}

		ponger := k.Spawn(th, func(th *kernel.Thread) {
			for range p.Rounds {
				if err := ping.Take(th, kernel.Forever); err != nil {
					rep.Fail(err)
					return
				}
				rep.Add(`pongs`, 1)
				pong.Give(th)
			}
		}, kernel.WithName(`pong`), kernel.WithPriority(1))

		for range p.Rounds {
			ping.Give(th)
			if err := pong.Take(th, k.Ms(100)); err != nil {
				rep.Fail(fmt.Errorf(`scenario: pong: %w`, err))
				return
			}
			rep.Add(`pings`, 1)
			th.Sleep(kernel.Ticks(1))
		}

		if err := ponger.Join(th, kernel.Forever); err != nil {
			rep.Fail(err)
		}
	}
}

// Philosophers seats Rounds philosophers, of distinct priorities, at a
// table with as many forks. Each eats Rounds meals. Forks are mutexes,
// always taken lowest numbered first.
func Philosophers(k *kernel.Kernel, p Params, rep *Report) func(th *kernel.Thread) {
	return func(th *kernel.Thread) {
		n := max(p.Rounds, 2)
		forks := make([]*kernel.Mutex, n)
		for i := range forks {
			forks[i] = k.NewMutex()
		}

		diners := make([]*kernel.Thread, n)
		for i := range diners {
			first, second := forks[i], forks[(i+1)%n]
			if (i+1)%n < i {
				first, second = second, first
			}
			diners[i] = k.Spawn(th, func(th *kernel.Thread) {
				for range p.Rounds {
					th.Sleep(kernel.Ticks(uint64(1 + i%3)))
					if err := first.Lock(th, kernel.Forever); err != nil {
						rep.Fail(err)
						return
					}
					if err := second.Lock(th, kernel.Forever); err != nil {
						rep.Fail(err)
						_ = first.Unlock(th)
						return
					}
					th.Sleep(kernel.Ticks(2))
					rep.Add(`meals`, 1)
					if err := second.Unlock(th); err != nil {
						rep.Fail(err)
					}
					if err := first.Unlock(th); err != nil {
						rep.Fail(err)
					}
				}
			}, kernel.WithName(fmt.Sprintf(`philosopher-%d`, i)), kernel.WithPriority(1+i%8))
		}

		for _, d := range diners {
			if err := d.Join(th, kernel.Forever); err != nil {
				rep.Fail(err)
			}
		}
		rep.Add(`philosophers`, int64(n))
	}
}

// Pipeline samples a periodic timer, passing Rounds items through a worker
// thread, to a sink that signals completion with an event.
func Pipeline(k *kernel.Kernel, p Params, rep *Report) func(th *kernel.Thread) {
	const doneFlag = 1
	return func(th *kernel.Thread) {
		in := kernel.NewFIFO[int](k)
		out := kernel.NewFIFO[int](k)
		done := k.NewEvent()
		sampler := k.NewTimer(nil, nil)

		source := k.Spawn(th, func(th *kernel.Thread) {
			sampler.Start(th, kernel.Ticks(2), kernel.Ticks(2))
			for i := 0; i < p.Rounds; {
				for n := sampler.StatusSync(th); n > 0 && i < p.Rounds; n-- {
					in.Put(th, i)
					i++
				}
			}
			sampler.Stop(th)
			in.Put(th, -1)
		}, kernel.WithName(`source`), kernel.WithPriority(2))

		worker := k.Spawn(th, func(th *kernel.Thread) {
			for {
				v, err := in.Get(th, kernel.Forever)
				if err != nil {
					rep.Fail(err)
					return
				}
				if v < 0 {
					out.Put(th, v)
					return
				}
				out.Put(th, v*v)
			}
		}, kernel.WithName(`worker`), kernel.WithPriority(3))

		sink := k.Spawn(th, func(th *kernel.Thread) {
			for {
				v, err := out.Get(th, kernel.Forever)
				if err != nil {
					rep.Fail(err)
					return
				}
				if v < 0 {
					done.Post(th, doneFlag)
					return
				}
				rep.Add(`items`, 1)
				rep.Add(`sum`, int64(v))
			}
		}, kernel.WithName(`sink`), kernel.WithPriority(4))

		if _, err := done.Wait(th, doneFlag, false, kernel.Forever); err != nil {
			rep.Fail(err)
		}
		for _, t := range [...]*kernel.Thread{source, worker, sink} {
			if err := t.Join(th, kernel.Forever); err != nil {
				rep.Fail(err)
			}
		}
	}
}
