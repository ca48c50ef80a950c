// Package config loads simulator configuration from TOML, mapping it to the
// options of the kernel, tick and trace packages.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/joeycumines/go-rtos/tick"
	"github.com/joeycumines/go-rtos/trace"
	"github.com/joeycumines/logiface"
)

type (
	// Config is the root of a configuration file.
	Config struct {
		Kernel Kernel `toml:"kernel"`
		Tick   Tick   `toml:"tick"`
		Trace  Trace  `toml:"trace"`
		Log    Log    `toml:"log"`
	}

	// Kernel configures the kernel.Kernel.
	Kernel struct {
		// PriorityInheritanceCeiling is unlimited if unset.
		PriorityInheritanceCeiling *int `toml:"priority_inheritance_ceiling"`
		// RunQueue is one of list, heap, or multi.
		RunQueue  string    `toml:"run_queue"`
		TimeSlice TimeSlice `toml:"time_slice"`
		// CPUs is the number of CPUs, or 0 to use the number available to
		// the process.
		CPUs                    int    `toml:"cpus"`
		CoopPriorities          int    `toml:"coop_priorities"`
		PreemptPriorities       int    `toml:"preempt_priorities"`
		MainPriority            int    `toml:"main_priority"`
		TicksPerSecond          uint32 `toml:"ticks_per_second"`
		EqualPriorityPreemption bool   `toml:"equal_priority_preemption"`
		DeadlineScheduling      bool   `toml:"deadline_scheduling"`
		// Realtime drives the kernel from the wall clock, rather than
		// virtual time.
		Realtime bool `toml:"realtime"`
	}

	// TimeSlice configures round-robin scheduling, which is disabled if
	// Ticks is 0.
	TimeSlice struct {
		Ticks       uint32 `toml:"ticks"`
		MaxPriority int    `toml:"max_priority"`
	}

	// Tick configures the realtime tick source.
	Tick struct {
		MinBatchTimeout Duration `toml:"min_batch_timeout"`
		MaxBatch        int      `toml:"max_batch"`
		MinBatch        int      `toml:"min_batch"`
	}

	// Trace configures the trace recorder.
	Trace struct {
		// Path is the output file, tracing is disabled if it is empty.
		Path          string   `toml:"path"`
		FlushInterval Duration `toml:"flush_interval"`
		Buffer        int      `toml:"buffer"`
		Batch         int      `toml:"batch"`
	}

	// Log configures logging.
	Log struct {
		// Backend is one of stumpy or logrus.
		Backend string `toml:"backend"`
		// Level is a syslog keyword, e.g. info, or disabled.
		Level string `toml:"level"`
	}

	// Duration is a time.Duration, encoded as a string, e.g. "50ms".
	Duration struct {
		time.Duration
	}
)

// Log backends.
const (
	BackendStumpy = `stumpy`
	BackendLogrus = `logrus`
)

var runQueueKinds = [...]kernel.RunQueueKind{
	kernel.RunQueueList,
	kernel.RunQueueHeap,
	kernel.RunQueueMulti,
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	x.Duration = d
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (x Duration) MarshalText() ([]byte, error) {
	return []byte(x.Duration.String()), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Kernel: Kernel{
			RunQueue:          kernel.RunQueueList.String(),
			CoopPriorities:    16,
			PreemptPriorities: 15,
			TicksPerSecond:    1000,
		},
		Tick: Tick{
			MaxBatch:        64,
			MinBatch:        1,
			MinBatchTimeout: Duration{time.Millisecond * 50},
		},
		Trace: Trace{
			Buffer:        1024,
			Batch:         256,
			FlushInterval: Duration{time.Millisecond * 100},
		},
		Log: Log{
			Backend: BackendStumpy,
			Level:   logiface.LevelInformational.String(),
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf(`config: %w`, err)
	}
	if err := finish(cfg, md); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load, for a string.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf(`config: %w`, err)
	}
	if err := finish(cfg, md); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config, md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return fmt.Errorf(`config: unknown keys: %s`, strings.Join(keys, `, `))
	}
	return cfg.Validate()
}

// Validate checks the values that cannot be checked by the options they
// map to.
func (x *Config) Validate() error {
	var errs []error
	if _, err := x.Kernel.runQueue(); err != nil {
		errs = append(errs, err)
	}
	if x.Kernel.CPUs < 0 || x.Kernel.CPUs > kernel.MaxCPUs {
		errs = append(errs, fmt.Errorf(`config: kernel.cpus must be in [0, %d]`, kernel.MaxCPUs))
	}
	switch x.Log.Backend {
	case BackendStumpy, BackendLogrus:
	default:
		errs = append(errs, fmt.Errorf(`config: unknown log.backend: %q`, x.Log.Backend))
	}
	if _, err := x.Log.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (x *Kernel) runQueue() (kernel.RunQueueKind, error) {
	for _, kind := range runQueueKinds {
		if kind.String() == x.RunQueue {
			return kind, nil
		}
	}
	return 0, fmt.Errorf(`config: unknown kernel.run_queue: %q`, x.RunQueue)
}

// Options returns the kernel options. A CPUs value of 0 is resolved using
// DetectCPUs.
func (x *Kernel) Options() ([]kernel.Option, error) {
	kind, err := x.runQueue()
	if err != nil {
		return nil, err
	}
	cpus := x.CPUs
	if cpus == 0 {
		cpus = min(DetectCPUs(), kernel.MaxCPUs)
	}
	opts := []kernel.Option{
		kernel.WithCPUs(cpus),
		kernel.WithRunQueue(kind),
		kernel.WithPriorityLevels(x.CoopPriorities, x.PreemptPriorities),
		kernel.WithMainPriority(x.MainPriority),
		kernel.WithTicksPerSecond(x.TicksPerSecond),
		kernel.WithTimeSlice(x.TimeSlice.Ticks, x.TimeSlice.MaxPriority),
		kernel.WithEqualPriorityPreemption(x.EqualPriorityPreemption),
		kernel.WithDeadlineScheduling(x.DeadlineScheduling),
		kernel.WithRealtime(x.Realtime),
	}
	if x.PriorityInheritanceCeiling != nil {
		opts = append(opts, kernel.WithPriorityInheritanceCeiling(*x.PriorityInheritanceCeiling))
	}
	return opts, nil
}

// Options returns the tick source options.
func (x *Tick) Options() []tick.Option {
	return []tick.Option{
		tick.WithMaxBatch(x.MaxBatch),
		tick.WithMinBatch(x.MinBatch, x.MinBatchTimeout.Duration),
	}
}

// Options returns the trace recorder options, given the kernel tick rate.
func (x *Trace) Options(ticksPerSecond uint32) []trace.Option {
	return []trace.Option{
		trace.WithBuffer(x.Buffer),
		trace.WithBatch(x.Batch, x.FlushInterval.Duration),
		trace.WithTicksPerSecond(ticksPerSecond),
	}
}

// LogLevel parses Level.
func (x *Log) LogLevel() (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == x.Level {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf(`config: unknown log.level: %q`, x.Level)
}
