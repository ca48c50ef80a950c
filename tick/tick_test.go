package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-rtos/irq"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, opts ...kernel.Option) *irq.Controller {
	t.Helper()
	k, err := kernel.New(append([]kernel.Option{kernel.WithRealtime(true)}, opts...)...)
	require.NoError(t, err)
	ctrl, err := irq.New(k)
	require.NoError(t, err)
	return ctrl
}

// runController runs ctrl until the test ends.
func runController(t *testing.T, ctrl *irq.Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	ctrl := newController(t, kernel.WithTicksPerSecond(250))
	src, err := New(ctrl)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond*4, src.Period())

	src, err = New(ctrl, WithPeriod(time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, src.Period())

	for _, opt := range []Option{
		WithPeriod(0),
		WithMaxBatch(0),
		WithMinBatch(0, time.Second),
		WithMinBatch(1, 0),
	} {
		_, err := New(ctrl, opt)
		assert.Error(t, err)
	}

	_, err = New(ctrl, WithMaxBatch(2), WithMinBatch(3, time.Second))
	assert.Error(t, err)
}

func TestRealtime_drivesKernel(t *testing.T) {
	ctrl := newController(t, kernel.WithTicksPerSecond(1000))
	runController(t, ctrl)
	src, err := New(ctrl)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	tickCtx, tickCancel := context.WithCancel(ctx)
	tickDone := make(chan error, 1)
	go func() { tickDone <- src.Run(tickCtx) }()

	k := ctrl.Kernel()
	var (
		woke  uint64
		start = time.Now()
	)
	require.NoError(t, k.Run(ctx, func(th *kernel.Thread) {
		th.Sleep(k.Ms(20))
		woke = k.Uptime()
	}))
	elapsed := time.Since(start)

	tickCancel()
	assert.Equal(t, context.Canceled, <-tickDone)

	assert.GreaterOrEqual(t, woke, uint64(20))
	assert.GreaterOrEqual(t, elapsed, time.Millisecond*20)
	stats := src.Stats()
	assert.GreaterOrEqual(t, stats.Ticks, woke)
	assert.NotZero(t, stats.Batches)
	assert.LessOrEqual(t, stats.Batches, stats.Ticks)
}

func TestRealtime_coalesces(t *testing.T) {
	ctrl := newController(t)
	runController(t, ctrl)
	src, err := New(ctrl,
		WithPeriod(time.Millisecond),
		WithMaxBatch(8),
		WithMinBatch(8, time.Second),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	for src.Stats().Batches < 2 {
		time.Sleep(time.Millisecond * 5)
	}
	cancel()
	assert.Equal(t, context.Canceled, <-done)

	stats := src.Stats()
	assert.Zero(t, stats.Ticks%8)
	assert.Equal(t, stats.Ticks, stats.Batches*8)
}

func TestRealtime_controllerStopped(t *testing.T) {
	ctrl := newController(t)
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()
	require.NoError(t, ctrl.Offload(context.Background(), func(*kernel.ISR) {}))
	require.NoError(t, ctrl.Shutdown(context.Background()))
	require.NoError(t, <-done)

	src, err := New(ctrl, WithPeriod(time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	err = src.Run(ctx)
	assert.True(t, errors.Is(err, eventloop.ErrLoopTerminated), err)
	assert.Zero(t, src.Stats())
}
