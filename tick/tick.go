// Package tick drives a realtime kernel.Kernel from the wall clock.
package tick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/go-rtos/irq"
	"github.com/joeycumines/logiface"
)

type (
	// Realtime announces ticks to a kernel, via an interrupt controller, at
	// a fixed period. Ticks that accumulate while an announcement is in
	// flight are coalesced into the next one, so the kernel sees a single
	// Announce per batch. Instances must be initialized using New.
	Realtime struct {
		ctrl    *irq.Controller
		logger  *logiface.Logger[logiface.Event]
		batch   longpoll.ChannelConfig
		period  time.Duration
		ticks   atomic.Uint64
		batches atomic.Uint64
	}

	// Stats is a snapshot of Realtime counters.
	Stats struct {
		// Ticks is the number of ticks announced.
		Ticks uint64
		// Batches is the number of announcements.
		Batches uint64
	}

	// Option configures a Realtime tick source.
	Option interface {
		applyRealtime(*realtimeOptions) error
	}

	realtimeOptions struct {
		logger *logiface.Logger[logiface.Event]
		batch  longpoll.ChannelConfig
		period time.Duration
	}

	realtimeOptionImpl struct {
		applyRealtimeFunc func(*realtimeOptions) error
	}
)

func (x *realtimeOptionImpl) applyRealtime(opts *realtimeOptions) error {
	return x.applyRealtimeFunc(opts)
}

// WithPeriod overrides the tick period, which defaults to the kernel's tick
// rate.
func WithPeriod(period time.Duration) Option {
	return &realtimeOptionImpl{func(opts *realtimeOptions) error {
		if period <= 0 {
			return fmt.Errorf(`tick: invalid period: %s`, period)
		}
		opts.period = period
		return nil
	}}
}

// WithMaxBatch limits the number of ticks announced at once. Defaults to 64.
func WithMaxBatch(n int) Option {
	return &realtimeOptionImpl{func(opts *realtimeOptions) error {
		if n <= 0 {
			return fmt.Errorf(`tick: invalid max batch: %d`, n)
		}
		opts.batch.MaxSize = n
		return nil
	}}
}

// WithMinBatch sets the number of ticks to wait for before announcing, up to
// the given timeout, after which any pending ticks are announced. Defaults
// to 1, i.e. ticks are announced as soon as they occur.
func WithMinBatch(n int, timeout time.Duration) Option {
	return &realtimeOptionImpl{func(opts *realtimeOptions) error {
		if n <= 0 || timeout <= 0 {
			return fmt.Errorf(`tick: invalid min batch: %d %s`, n, timeout)
		}
		opts.batch.MinSize = n
		opts.batch.PartialTimeout = timeout
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &realtimeOptionImpl{func(opts *realtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// New constructs a tick source for the kernel of ctrl.
func New(ctrl *irq.Controller, opts ...Option) (*Realtime, error) {
	if ctrl == nil {
		return nil, errors.New(`tick: nil controller`)
	}
	cfg := realtimeOptions{
		batch: longpoll.ChannelConfig{
			MaxSize: 64,
			MinSize: 1,
		},
	}
	if hz := ctrl.Kernel().TicksPerSecond(); hz != 0 {
		cfg.period = time.Second / time.Duration(hz)
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRealtime(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.period <= 0 {
		return nil, fmt.Errorf(`tick: invalid period: %s`, cfg.period)
	}
	if cfg.batch.MinSize > cfg.batch.MaxSize {
		return nil, fmt.Errorf(`tick: min batch %d exceeds max batch %d`, cfg.batch.MinSize, cfg.batch.MaxSize)
	}
	return &Realtime{
		ctrl:   ctrl,
		logger: cfg.logger,
		batch:  cfg.batch,
		period: cfg.period,
	}, nil
}

// Period returns the tick period.
func (x *Realtime) Period() time.Duration {
	return x.period
}

// Run announces ticks until ctx is done, returning ctx.Err(), or until the
// interrupt controller rejects an announcement. Ticks pending when ctx is
// done are discarded.
func (x *Realtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan time.Time, x.batch.MaxSize)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		x.pump(ctx, ch)
	}()
	defer func() {
		cancel()
		<-pumpDone
	}()

	x.logger.Debug().
		Dur(`period`, x.period).
		Int(`max_batch`, x.batch.MaxSize).
		Log(`tick source running`)

	for {
		var n uint32
		err := longpoll.Channel(ctx, &x.batch, ch, func(time.Time) error {
			n++
			return nil
		})
		if err != nil && err != io.EOF {
			return err
		}
		if n != 0 {
			if err := x.ctrl.Announce(n); err != nil {
				x.logger.Err().Err(err).Log(`tick announce failed`)
				return err
			}
			x.ticks.Add(uint64(n))
			x.batches.Add(1)
		}
		if err != nil {
			return nil
		}
	}
}

func (x *Realtime) pump(ctx context.Context, ch chan<- time.Time) {
	ticker := time.NewTicker(x.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case <-ctx.Done():
				return
			case ch <- now:
			}
		}
	}
}

// Stats returns a snapshot of the tick source counters.
func (x *Realtime) Stats() Stats {
	return Stats{
		Ticks:   x.ticks.Load(),
		Batches: x.batches.Load(),
	}
}
