package scenario

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, name string, p Params, opts ...kernel.Option) map[string]int64 {
	t.Helper()
	build, err := Lookup(name)
	require.NoError(t, err)
	k, err := kernel.New(opts...)
	require.NoError(t, err)
	var rep Report
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	require.NoError(t, k.Run(ctx, build(k, p, &rep)))
	require.NoError(t, rep.Err())
	return rep.Values()
}

func kernelConfigs() map[string][]kernel.Option {
	return map[string][]kernel.Option{
		`list`:  {kernel.WithRunQueue(kernel.RunQueueList)},
		`heap`:  {kernel.WithRunQueue(kernel.RunQueueHeap)},
		`multi`: {kernel.WithRunQueue(kernel.RunQueueMulti)},
		`smp`:   {kernel.WithCPUs(2)},
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{`philosophers`, `pingpong`, `pipeline`}, Names())
}

func TestLookup_unknown(t *testing.T) {
	b, err := Lookup(`tetris`)
	assert.Nil(t, b)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), `"tetris"`)
		assert.Contains(t, err.Error(), `pipeline`)
	}
}

func TestReport(t *testing.T) {
	var rep Report
	assert.Nil(t, rep.Values())
	assert.NoError(t, rep.Err())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				rep.Add(`n`, 1)
			}
		}()
	}
	wg.Wait()
	rep.Add(`m`, -3)

	values := rep.Values()
	assert.Equal(t, map[string]int64{`n`: 800, `m`: -3}, values)
	values[`n`] = 0
	assert.Equal(t, int64(800), rep.Values()[`n`])

	first := errors.New(`first`)
	rep.Fail(first)
	rep.Fail(errors.New(`second`))
	assert.Equal(t, first, rep.Err())
}

func TestPingPong(t *testing.T) {
	for name, opts := range kernelConfigs() {
		t.Run(name, func(t *testing.T) {
			got := runScenario(t, `pingpong`, Params{Rounds: 25}, opts...)
			if diff := cmp.Diff(map[string]int64{`pings`: 25, `pongs`: 25}, got); diff != `` {
				t.Errorf("unexpected report (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPhilosophers(t *testing.T) {
	for name, opts := range kernelConfigs() {
		t.Run(name, func(t *testing.T) {
			got := runScenario(t, `philosophers`, Params{Rounds: 5}, opts...)
			if diff := cmp.Diff(map[string]int64{`meals`: 25, `philosophers`: 5}, got); diff != `` {
				t.Errorf("unexpected report (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPhilosophers_minimumTable(t *testing.T) {
	got := runScenario(t, `philosophers`, Params{Rounds: 1})
	assert.Equal(t, map[string]int64{`meals`: 2, `philosophers`: 2}, got)
}

func TestPipeline(t *testing.T) {
	const rounds = 20
	var sum int64
	for i := range int64(rounds) {
		sum += i * i
	}
	for name, opts := range kernelConfigs() {
		t.Run(name, func(t *testing.T) {
			got := runScenario(t, `pipeline`, Params{Rounds: rounds}, opts...)
			if diff := cmp.Diff(map[string]int64{`items`: rounds, `sum`: sum}, got); diff != `` {
				t.Errorf("unexpected report (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPipeline_virtualTime(t *testing.T) {
	k, err := kernel.New()
	require.NoError(t, err)
	var rep Report
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	require.NoError(t, k.Run(ctx, Pipeline(k, Params{Rounds: 10}, &rep)))
	require.NoError(t, rep.Err())
	// one item per 2 tick period
	assert.Equal(t, uint64(20), k.Uptime())
}
