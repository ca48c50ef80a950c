// Package irq delivers interrupts to a kernel.Kernel from ordinary
// goroutines, serializing every interrupt service routine on a single
// event loop.
package irq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/joeycumines/logiface"
)

var (
	// ErrNilHandler is returned by Raise and Offload for a nil handler.
	ErrNilHandler = errors.New(`irq: nil handler`)

	// ErrHalted is returned once a fatal error has stopped the controller.
	ErrHalted = errors.New(`irq: halted by fatal error`)
)

type (
	// Handler is an interrupt service routine. It must not block.
	Handler func(isr *kernel.ISR)

	// Controller runs interrupt service routines against a kernel, one at
	// a time, on an event loop. Instances must be initialized using New.
	Controller struct {
		k       *kernel.Kernel
		loop    *eventloop.Loop
		logger  *logiface.Logger[logiface.Event]
		fatal   atomic.Pointer[kernel.FatalError]
		stop    context.CancelFunc
		raised  atomic.Uint64
		handled atomic.Uint64
		panics  atomic.Uint64
		mu      sync.Mutex
	}

	// Stats is a snapshot of Controller counters.
	Stats struct {
		Raised  uint64
		Handled uint64
		Panics  uint64
	}

	// Option configures a Controller.
	Option interface {
		applyController(*controllerOptions) error
	}

	controllerOptions struct {
		logger *logiface.Logger[logiface.Event]
	}

	controllerOptionImpl struct {
		applyControllerFunc func(*controllerOptions) error
	}
)

func (x *controllerOptionImpl) applyController(opts *controllerOptions) error {
	return x.applyControllerFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &controllerOptionImpl{func(opts *controllerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// New constructs a Controller for k. Run must be called to start delivering
// interrupts.
func New(k *kernel.Kernel, opts ...Option) (*Controller, error) {
	if k == nil {
		return nil, errors.New(`irq: nil kernel`)
	}
	var cfg controllerOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyController(&cfg); err != nil {
			return nil, err
		}
	}
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf(`irq: %w`, err)
	}
	return &Controller{
		k:      k,
		loop:   loop,
		logger: cfg.logger,
	}, nil
}

// Kernel returns the kernel interrupts are delivered to.
func (x *Controller) Kernel() *kernel.Kernel {
	return x.k
}

// Run delivers interrupts until ctx is done or Shutdown is called.
//
// Interrupt context misuse is fatal: after the kernel's fatal handler has
// been called, the controller stops accepting interrupts, and Run panics
// with the *kernel.FatalError once the loop has stopped.
func (x *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.mu.Lock()
	x.stop = cancel
	x.mu.Unlock()

	x.logger.Debug().Log(`interrupt controller running`)
	err := x.loop.Run(ctx)
	if fatal := x.fatal.Load(); fatal != nil {
		panic(fatal)
	}
	x.logger.Debug().Err(err).Log(`interrupt controller stopped`)
	return err
}

// Shutdown stops the controller, after delivering every interrupt already
// raised.
func (x *Controller) Shutdown(ctx context.Context) error {
	return x.loop.Shutdown(ctx)
}

// Raise schedules handler, returning without waiting for it to run.
func (x *Controller) Raise(handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	return x.submit(func() { x.service(x.interrupt(handler)) })
}

// Offload runs handler in interrupt context, waiting for it to complete. A
// fatal error in handler, including a panic, is re-panicked on the calling
// goroutine. The caller must not be a kernel thread holding the interrupt
// lock, or an interrupt handler.
func (x *Controller) Offload(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	done := make(chan *kernel.FatalError, 1)
	if err := x.submit(func() { done <- x.service(x.interrupt(handler)) }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case fatal := <-done:
		if fatal != nil {
			panic(fatal)
		}
		return nil
	}
}

// Announce schedules kernel.Kernel.Announce, serialized with every other
// interrupt, returning without waiting for it.
func (x *Controller) Announce(ticks uint32) error {
	return x.submit(func() {
		x.service(func() { x.k.Announce(ticks) })
	})
}

// Err returns the fatal error that halted the controller, if any.
func (x *Controller) Err() error {
	if fatal := x.fatal.Load(); fatal != nil {
		return fatal
	}
	return nil
}

// Stats returns a snapshot of the controller counters.
func (x *Controller) Stats() Stats {
	return Stats{
		Raised:  x.raised.Load(),
		Handled: x.handled.Load(),
		Panics:  x.panics.Load(),
	}
}

func (x *Controller) submit(fn func()) error {
	if x.fatal.Load() != nil {
		return ErrHalted
	}
	x.raised.Add(1)
	return x.loop.Submit(fn)
}

func (x *Controller) interrupt(handler Handler) func() {
	return func() { x.k.Interrupt(handler) }
}

// service runs fn on the loop, returning the fatal error it panicked with,
// if any. Interrupts still queued behind a fatal error are discarded.
func (x *Controller) service(fn func()) (fatal *kernel.FatalError) {
	if fatal = x.fatal.Load(); fatal != nil {
		return fatal
	}
	defer func() {
		x.handled.Add(1)
		if r := recover(); r != nil {
			x.panics.Add(1)
			fatal = asFatal(r)
			x.halt(fatal)
		}
	}()
	fn()
	return nil
}

func (x *Controller) halt(fatal *kernel.FatalError) {
	if !x.fatal.CompareAndSwap(nil, fatal) {
		return
	}
	x.logger.Emerg().Err(fatal).Log(`fatal error in interrupt context`)
	x.mu.Lock()
	stop := x.stop
	x.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// asFatal converts a recovered panic value. The kernel already converts
// handler panics, so other values only come from outside a handler, e.g.
// from within the kernel's tick processing.
func asFatal(r any) *kernel.FatalError {
	if fatal, ok := r.(*kernel.FatalError); ok {
		return fatal
	}
	cause, _ := r.(error)
	return &kernel.FatalError{Reason: kernel.ReasonISRPanic, Message: fmt.Sprint(r), Cause: cause}
}
