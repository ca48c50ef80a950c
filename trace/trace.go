// Package trace records kernel scheduling events as JSON lines.
package trace

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/joeycumines/go-utilpkg/jsonenc"
	"github.com/joeycumines/logiface"
)

type (
	// Recorder is a kernel.Tracer that writes each event as a line of JSON.
	// Events are buffered, and written in batches, by a background
	// goroutine. Trace never blocks: events that do not fit in the buffer
	// are counted, and discarded. Instances must be initialized using
	// NewRecorder, and should be closed.
	Recorder struct {
		w        io.Writer
		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter
		batcher  *microbatch.Batcher[kernel.TraceEvent]
		events   chan kernel.TraceEvent
		done     chan struct{}
		err      error
		received atomic.Uint64
		dropped  atomic.Uint64
		written  atomic.Uint64
		hz       uint32
		mu       sync.RWMutex
		errMu    sync.Mutex
		closed   bool
	}

	// Stats is a snapshot of Recorder counters.
	Stats struct {
		// Received is the number of events accepted.
		Received uint64
		// Dropped is the number of events discarded.
		Dropped uint64
		// Written is the number of events written.
		Written uint64
	}

	// Option configures a Recorder.
	Option interface {
		applyRecorder(*recorderOptions) error
	}

	recorderOptions struct {
		logger *logiface.Logger[logiface.Event]
		batch  microbatch.BatcherConfig
		buffer int
		hz     uint32
	}

	recorderOptionImpl struct {
		applyRecorderFunc func(*recorderOptions) error
	}
)

var _ kernel.Tracer = (*Recorder)(nil)

// dropWarningRates limits warnings about dropped events.
var dropWarningRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

func (x *recorderOptionImpl) applyRecorder(opts *recorderOptions) error {
	return x.applyRecorderFunc(opts)
}

// WithBuffer sets the number of events that may be pending, before events
// are dropped. Defaults to 1024.
func WithBuffer(n int) Option {
	return &recorderOptionImpl{func(opts *recorderOptions) error {
		if n <= 0 {
			return fmt.Errorf(`trace: invalid buffer: %d`, n)
		}
		opts.buffer = n
		return nil
	}}
}

// WithBatch configures the maximum number of events per write, and the
// maximum time an event may wait for a batch to fill. Defaults to 256 and
// 100ms.
func WithBatch(maxSize int, flushInterval time.Duration) Option {
	return &recorderOptionImpl{func(opts *recorderOptions) error {
		if maxSize <= 0 || flushInterval <= 0 {
			return fmt.Errorf(`trace: invalid batch: %d %s`, maxSize, flushInterval)
		}
		opts.batch.MaxSize = maxSize
		opts.batch.FlushInterval = flushInterval
		return nil
	}}
}

// WithTicksPerSecond sets the tick rate, used to convert ticks to
// milliseconds. Defaults to 1000.
func WithTicksPerSecond(hz uint32) Option {
	return &recorderOptionImpl{func(opts *recorderOptions) error {
		if hz == 0 {
			return fmt.Errorf(`trace: invalid ticks per second: %d`, hz)
		}
		opts.hz = hz
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &recorderOptionImpl{func(opts *recorderOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewRecorder constructs a Recorder, writing to w.
func NewRecorder(w io.Writer, opts ...Option) (*Recorder, error) {
	if w == nil {
		return nil, fmt.Errorf(`trace: nil writer`)
	}
	cfg := recorderOptions{
		batch: microbatch.BatcherConfig{
			MaxSize:        256,
			FlushInterval:  time.Millisecond * 100,
			MaxConcurrency: 1,
		},
		buffer: 1024,
		hz:     1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRecorder(&cfg); err != nil {
			return nil, err
		}
	}
	x := &Recorder{
		w:       w,
		logger:  cfg.logger,
		limiter: catrate.NewLimiter(dropWarningRates),
		events:  make(chan kernel.TraceEvent, cfg.buffer),
		done:    make(chan struct{}),
		hz:      cfg.hz,
	}
	x.batcher = microbatch.NewBatcher(&cfg.batch, x.process)
	go x.forward()
	return x, nil
}

// Trace implements kernel.Tracer.
func (x *Recorder) Trace(ev kernel.TraceEvent) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.closed {
		select {
		case x.events <- ev:
			x.received.Add(1)
			return
		default:
		}
	}
	x.dropped.Add(1)
	if _, ok := x.limiter.Allow(`dropped`); ok {
		x.logger.Warning().
			Uint64(`dropped`, x.dropped.Load()).
			Log(`trace events dropped`)
	}
}

// Close stops accepting events, and waits for every accepted event to be
// written, returning the first write error, if any. It is safe to call more
// than once.
func (x *Recorder) Close() error {
	x.mu.Lock()
	if !x.closed {
		x.closed = true
		close(x.events)
	}
	x.mu.Unlock()
	<-x.done
	return x.Err()
}

// Err returns the first write error, if any.
func (x *Recorder) Err() error {
	x.errMu.Lock()
	defer x.errMu.Unlock()
	return x.err
}

// Stats returns a snapshot of the recorder counters.
func (x *Recorder) Stats() Stats {
	return Stats{
		Received: x.received.Load(),
		Dropped:  x.dropped.Load(),
		Written:  x.written.Load(),
	}
}

// forward moves events from the buffer into the batcher, until the buffer
// is closed, then flushes the batcher.
func (x *Recorder) forward() {
	defer close(x.done)
	ctx := context.Background()
	for ev := range x.events {
		if _, err := x.batcher.Submit(ctx, ev); err != nil {
			x.dropped.Add(1)
		}
	}
	if err := x.batcher.Shutdown(ctx); err != nil {
		x.setErr(err)
	}
}

func (x *Recorder) process(_ context.Context, events []kernel.TraceEvent) error {
	buf := make([]byte, 0, len(events)*128)
	for _, ev := range events {
		buf = AppendEvent(buf, ev, x.hz)
	}
	if _, err := x.w.Write(buf); err != nil {
		x.setErr(err)
		x.logger.Err().Err(err).Int(`events`, len(events)).Log(`trace write failed`)
		return err
	}
	x.written.Add(uint64(len(events)))
	return nil
}

func (x *Recorder) setErr(err error) {
	x.errMu.Lock()
	defer x.errMu.Unlock()
	if x.err == nil {
		x.err = err
	}
}

// AppendEvent appends ev to dst as a single line of JSON, including the
// trailing newline. The hz is the tick rate, used to add the time in
// milliseconds.
func AppendEvent(dst []byte, ev kernel.TraceEvent, hz uint32) []byte {
	dst = append(dst, `{"tick":`...)
	dst = strconv.AppendUint(dst, ev.Tick, 10)
	if hz != 0 {
		dst = append(dst, `,"ms":`...)
		dst = jsonenc.AppendFloat64(dst, float64(ev.Tick)*1000/float64(hz))
	}
	dst = append(dst, `,"kind":`...)
	dst = jsonenc.AppendString(dst, ev.Kind.String())
	dst = append(dst, `,"thread":`...)
	dst = strconv.AppendUint(dst, ev.Thread, 10)
	dst = append(dst, `,"name":`...)
	dst = jsonenc.AppendString(dst, ev.Name)
	dst = append(dst, `,"prio":`...)
	dst = strconv.AppendInt(dst, int64(ev.Prio), 10)
	if ev.CPU >= 0 {
		dst = append(dst, `,"cpu":`...)
		dst = strconv.AppendInt(dst, int64(ev.CPU), 10)
	}
	return append(dst, "}\n"...)
}
