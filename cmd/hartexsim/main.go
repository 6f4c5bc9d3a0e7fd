// Command hartexsim runs a scenario file on the hosted port of the kernel.
//
//	hartexsim [flags] scenario.yaml
//
// The tasks described in the file are created, the ones marked for release
// are made ready and the kernel is started. Task output goes to standard
// output, the event log to standard error (and optionally a serial port).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/hartex-rtos/hartex/arch/hosted"
	"github.com/hartex-rtos/hartex/config"
	"github.com/hartex-rtos/hartex/diagnostics"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
	"github.com/hartex-rtos/hartex/scenario"
)

var (
	tickFlag     = flag.String("tick", "", "SysTick period, overrides the scenario file (0 disables SysTick)")
	durationFlag = flag.Duration("duration", 0, "stop after this long (0: when every scripted task has finished)")
	verboseFlag  = flag.Int("v", 1, "verbosity: 0 errors, 1 warnings, 2 info, 3 debug")
	statsFlag    = flag.Bool("stats", false, "print kernel metrics when the run ends")
	serialFlag   = flag.String("serial", "", "mirror the event log to this serial port")
	baudFlag     = flag.Int("baud", 115200, "baud rate of the -serial port")
	consoleFlag  = flag.Bool("console", false, "read keys from the terminal: 0-9 and a-v release that task, q quits")
	dumpFlag     = flag.String("dump", "", "write the task stacks to this file in Intel HEX format after the run")
	pinFlag      = flag.Int("pin", -1, "pin the emulated core to this host CPU")
	noColorFlag  = flag.Bool("no-color", false, "never color log output")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] scenario.yaml\n\nflags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	log := logging.NewConsole(logging.Verbosity(*verboseFlag), *noColorFlag)
	if *statsFlag {
		log.SetLevel(log.Level() | logging.StatsMask)
	}
	os.Exit(run(flag.Arg(0), log))
}

// printDiagnostics prints a scenario file error with file and line
// information where possible.
func printDiagnostics(path string, err error) {
	wd, _ := os.Getwd()
	diagnostics.CreateDiagnostics(path, err).WriteTo(os.Stderr, wd)
}

func run(path string, log *logging.Logger) int {
	f, err := config.Load(path)
	if err != nil {
		printDiagnostics(path, err)
		return 1
	}
	if *tickFlag != "" {
		f.Kernel.Tick = *tickFlag
	}

	capacity := f.Log.Capacity
	if capacity == 0 {
		capacity = logging.DefaultEventCapacity
	}
	events := logging.NewEventLog(capacity)
	m := new(metrics.Set)

	s, err := scenario.Build(f, scenario.Options{
		Out:     os.Stdout,
		Logger:  log,
		Events:  events,
		Metrics: m,
		CPU: hosted.Options{
			Pin:    *pinFlag >= 0,
			PinCPU: *pinFlag,
			Logger: log,
		},
	})
	if err != nil {
		var errs config.Errors
		var one config.Error
		if errors.As(err, &errs) || errors.As(err, &one) {
			printDiagnostics(path, err)
		} else {
			log.Errorf("%s: %v", path, err)
		}
		return 1
	}
	cfg := s.Kernel.Config()
	log.Infof("%s: %d tasks, %d resources, tick %v, idle policy %v", path, len(f.Tasks), len(f.Resources), cfg.Tick, cfg.Idle)

	var eventOut io.Writer = os.Stderr
	if *serialFlag != "" {
		port, err := serial.Open(*serialFlag, &serial.Mode{BaudRate: *baudFlag})
		if err != nil {
			log.Errorf("could not open %s: %v", *serialFlag, err)
			return 1
		}
		defer port.Close()
		eventOut = io.MultiWriter(os.Stderr, port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	if *consoleFlag {
		c, err := openConsole()
		if err != nil {
			log.Errorf("could not open the terminal: %v", err)
			return 1
		}
		defer c.Close()
		if err := c.attach(s.Kernel, quit); err != nil {
			log.Errorf("%v", err)
			return 1
		}
		log.Infof("console: press 0-9 or a-v to release a task, q to quit")
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainEvents(events, eventOut, done, log)
	}()

	start := time.Now()
	err = s.Run(ctx, *durationFlag)
	close(done)
	wg.Wait()
	log.Infof("kernel stopped after %d ticks (%v)", s.Kernel.Now(), time.Since(start).Round(time.Millisecond))

	if n := events.Dropped(); n != 0 {
		log.Warnf("%d events were dropped, raise log.capacity", n)
	}
	if *statsFlag {
		printStats(s, m, log)
	}
	if *dumpFlag != "" {
		if err := writeDump(*dumpFlag, s.Kernel.Tasks()); err != nil {
			log.Errorf("dump: %v", err)
			return 1
		}
		log.Infof("wrote task stacks to %s", *dumpFlag)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Interrupted from the keyboard.
		return 0
	}
	log.Errorf("kernel halted: %v", err)
	return 1
}

// drainEvents writes the event log to w until done is closed, then writes
// what is left.
func drainEvents(events *logging.EventLog, w io.Writer, done <-chan struct{}, log *logging.Logger) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-done:
			if _, err := events.Process(w); err != nil {
				log.Warnf("event log: %v", err)
			}
			return
		}
		if _, err := events.Process(w); err != nil {
			log.Warnf("event log: %v", err)
		}
	}
}

func printStats(s *scenario.Scenario, m *metrics.Set, log *logging.Logger) {
	for _, sample := range m.Samples() {
		log.Statsf("metrics", "%-48s %d", sample.Name, sample.Value.Uint64())
	}
	for _, t := range s.Kernel.Tasks() {
		line := fmt.Sprintf("%-12s id %2d %-8v stack %5d words", s.TaskName(t.ID), t.ID, t.State, len(t.Stack))
		if ctx, ok := t.Context.(*hosted.Context); ok {
			captures, restores := ctx.Switches()
			line += fmt.Sprintf(", %d captures, %d restores", captures, restores)
		}
		log.Statsf("tasks", "%s", line)
	}
	for _, name := range s.ResourceNames() {
		v, _ := s.Resource(name)
		log.Statsf("resources", "%s = %v", name, v)
	}
	if id, ok := s.Kernel.CurrentTask(); ok && id != kernel.IdleTaskID {
		log.Statsf("tasks", "last running task: %s", s.TaskName(id))
	}
}
