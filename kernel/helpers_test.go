package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allRunQueues = []RunQueueKind{RunQueueList, RunQueueHeap, RunQueueMulti}

// checkNumGoroutines returns a function, to be deferred, that fails the test
// if the number of goroutines has not returned to the starting count within
// timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: %d before, %d after`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

func newTestKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(opts...)
	require.NoError(t, err)
	return k
}

// runKernel runs k until main returns, failing the test if that takes
// longer than a few seconds of wall time.
func runKernel(t *testing.T, k *Kernel, main func(t *Thread)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	require.NoError(t, k.Run(ctx, main))
}

// recorder collects events from kernel threads. Threads must not use
// require (or t.FailNow) since that would exit the thread goroutine without
// the kernel's knowledge.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (x *recorder) add(format string, args ...any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, fmt.Sprintf(format, args...))
}

func (x *recorder) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.events...)
}

// fatalRecorder is a fatal handler that records errors instead of
// panicking.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []*FatalError
}

func (x *fatalRecorder) handle(err *FatalError) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errs = append(x.errs, err)
}

func (x *fatalRecorder) reasons() []FatalReason {
	x.mu.Lock()
	defer x.mu.Unlock()
	var reasons []FatalReason
	for _, err := range x.errs {
		reasons = append(reasons, err.Reason)
	}
	return reasons
}

// catchFatal calls fn, returning the *FatalError it panicked with, if any.
func catchFatal(fn func()) (err *FatalError) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !errors.As(e, &err) {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}
