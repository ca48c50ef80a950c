// Command rtsim runs a scenario on a simulated kernel.
//
// The kernel runs in virtual time by default, advancing straight to the next
// timeout whenever every CPU is idle. With -realtime, ticks are instead
// announced from the wall clock, via the interrupt controller.
//
// Usage:
//
//	rtsim [-config rtsim.toml] [-scenario pipeline] [-rounds 10] [-cpus 0]
//	      [-realtime] [-log stumpy|logrus] [-log-level info] [-trace out.jsonl]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/joeycumines/go-rtos/config"
	"github.com/joeycumines/go-rtos/internal/scenario"
	"github.com/joeycumines/go-rtos/irq"
	"github.com/joeycumines/go-rtos/kernel"
	"github.com/joeycumines/go-rtos/tick"
	"github.com/joeycumines/go-rtos/trace"
	"github.com/joeycumines/ilogrus"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "rtsim: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config   string
	scenario string
	log      string
	logLevel string
	trace    string
	rounds   int
	cpus     int
	realtime bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, *config.Config, error) {
	var f flags
	fs := flag.NewFlagSet(`rtsim`, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, `config`, ``, `path to a TOML config file`)
	fs.StringVar(&f.scenario, `scenario`, `pipeline`, `scenario to run, one of `+strings.Join(scenario.Names(), `, `))
	fs.IntVar(&f.rounds, `rounds`, 10, `scenario rounds`)
	fs.IntVar(&f.cpus, `cpus`, 0, `number of CPUs, 0 to detect (overrides config)`)
	fs.BoolVar(&f.realtime, `realtime`, false, `announce ticks from the wall clock (overrides config)`)
	fs.StringVar(&f.log, `log`, config.BackendStumpy, `log backend, stumpy or logrus (overrides config)`)
	fs.StringVar(&f.logLevel, `log-level`, logiface.LevelInformational.String(), `log level (overrides config)`)
	fs.StringVar(&f.trace, `trace`, ``, `write trace events to this file (overrides config)`)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 0 {
		return nil, nil, fmt.Errorf(`unexpected arguments: %q`, fs.Args())
	}
	if f.rounds < 0 {
		return nil, nil, fmt.Errorf(`invalid rounds: %d`, f.rounds)
	}

	cfg := config.Default()
	if f.config != `` {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, nil, err
		}
	}

	// explicitly set flags take precedence
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case `cpus`:
			cfg.Kernel.CPUs = f.cpus
		case `realtime`:
			cfg.Kernel.Realtime = f.realtime
		case `log`:
			cfg.Log.Backend = f.log
		case `log-level`:
			cfg.Log.Level = f.logLevel
		case `trace`:
			cfg.Trace.Path = f.trace
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &f, cfg, nil
}

func newLogger(cfg *config.Log, w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.BackendStumpy:
		return stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
		).Logger(), nil
	case config.BackendLogrus:
		l := logrus.New()
		l.Out = w
		l.Level = logrus.TraceLevel
		l.Formatter = &logrus.TextFormatter{DisableColors: true}
		return ilogrus.L.New(
			ilogrus.L.WithLogrus(l),
			ilogrus.L.WithLevel(level),
		).Logger(), nil
	default:
		return nil, fmt.Errorf(`unknown log backend: %q`, cfg.Backend)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	f, cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	build, err := scenario.Lookup(f.scenario)
	if err != nil {
		return err
	}

	logger, err := newLogger(&cfg.Log, stderr)
	if err != nil {
		return err
	}

	kernelOpts, err := cfg.Kernel.Options()
	if err != nil {
		return err
	}
	kernelOpts = append(kernelOpts, kernel.WithLogger(logger))

	var recorder *trace.Recorder
	if cfg.Trace.Path != `` {
		var file *os.File
		if file, err = os.Create(cfg.Trace.Path); err != nil {
			return err
		}
		defer func() {
			if e := file.Close(); err == nil {
				err = e
			}
		}()
		if recorder, err = trace.NewRecorder(file, append(cfg.Trace.Options(cfg.Kernel.TicksPerSecond), trace.WithLogger(logger))...); err != nil {
			return err
		}
		defer func() {
			if e := recorder.Close(); err == nil {
				err = e
			}
		}()
		kernelOpts = append(kernelOpts, kernel.WithTracer(recorder))
	}

	k, err := kernel.New(kernelOpts...)
	if err != nil {
		return err
	}

	ctrl, err := irq.New(k, irq.WithLogger(logger))
	if err != nil {
		return err
	}

	var ticker *tick.Realtime
	if k.Realtime() {
		if ticker, err = tick.New(ctrl, append(cfg.Tick.Options(), tick.WithLogger(logger))...); err != nil {
			return err
		}
	}

	var rep scenario.Report

	g, ctx := errgroup.WithContext(ctx)
	devices, stopDevices := context.WithCancel(ctx)
	defer stopDevices()

	g.Go(func() error {
		defer stopDevices()
		return k.Run(ctx, build(k, scenario.Params{Rounds: f.rounds}, &rep))
	})
	g.Go(func() error {
		return deviceErr(devices, ctrl.Run(devices))
	})
	if ticker != nil {
		g.Go(func() error {
			return deviceErr(devices, ticker.Run(devices))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := rep.Err(); err != nil {
		return fmt.Errorf(`scenario %s: %w`, f.scenario, err)
	}

	return writeReport(stdout, f.scenario, k, ctrl, rep.Values())
}

// deviceErr discards the errors of devices stopped along with the kernel.
func deviceErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func writeReport(w io.Writer, name string, k *kernel.Kernel, ctrl *irq.Controller, values map[string]int64) error {
	lines := []string{fmt.Sprintf(`scenario=%s`, name)}
	for _, key := range slices.Sorted(maps.Keys(values)) {
		lines = append(lines, fmt.Sprintf(`%s=%d`, key, values[key]))
	}
	stats := k.Stats()
	irqStats := ctrl.Stats()
	lines = append(lines,
		fmt.Sprintf(`kernel.cpus=%d`, k.CPUs()),
		fmt.Sprintf(`kernel.uptime=%d`, stats.Uptime),
		fmt.Sprintf(`kernel.context_switches=%d`, stats.ContextSwitches),
		fmt.Sprintf(`kernel.preemptions=%d`, stats.Preemptions),
		fmt.Sprintf(`kernel.timeouts_fired=%d`, stats.TimeoutsFired),
		fmt.Sprintf(`irq.raised=%d`, irqStats.Raised),
		fmt.Sprintf(`irq.panics=%d`, irqStats.Panics),
	)
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
