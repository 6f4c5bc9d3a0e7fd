// Package scenario builds a kernel on the hosted port from a scenario file
// and runs it. Every task's entry function interprets the script given in the
// file; shared resources hold lists of integers.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hartex-rtos/hartex/arch/hosted"
	"github.com/hartex-rtos/hartex/config"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
	"github.com/hartex-rtos/hartex/primitives"
)

// Options holds the collaborators of a scenario run. All fields are optional.
type Options struct {
	Out     io.Writer // print and log steps, discarded if nil
	Logger  *logging.Logger
	Events  *logging.EventLog
	Metrics *metrics.Set
	CPU     hosted.Options
}

// Scenario is a kernel set up from a file, ready to run once.
type Scenario struct {
	Kernel *kernel.Kernel
	CPU    *hosted.CPU

	file      *config.File
	out       io.Writer
	outMu     sync.Mutex
	log       *logging.Logger
	resources map[string]*primitives.Resource[[]int64]
	names     map[kernel.TaskID]string

	remaining atomic.Int32
	finished  atomic.Bool
	cancel    context.CancelFunc
}

// Load reads, validates and builds the scenario file at path.
func Load(path string, opts Options) (*Scenario, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return Build(f, opts)
}

// Build validates f and creates the kernel, resources, events and tasks it
// describes. The kernel is initialized but not started.
func Build(f *config.File, opts Options) (*Scenario, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cfg, err := f.KernelConfig()
	if err != nil {
		return nil, err
	}
	if opts.CPU.Logger == nil {
		opts.CPU.Logger = opts.Logger
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	cpu := hosted.New(opts.CPU)
	k, err := kernel.New(cpu, cfg,
		kernel.WithLogger(opts.Logger),
		kernel.WithEventLog(opts.Events),
		kernel.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, err
	}
	s := &Scenario{
		Kernel:    k,
		CPU:       cpu,
		file:      f,
		out:       out,
		log:       opts.Logger,
		resources: make(map[string]*primitives.Resource[[]int64]),
		names:     make(map[kernel.TaskID]string),
	}

	if opts.Events != nil {
		kinds, _ := f.Log.EventKinds()
		for _, kind := range kinds {
			opts.Events.Set(kind, true)
		}
	}

	known := make(map[string]bool)
	for _, r := range f.Resources {
		res, err := primitives.New(k, []int64(nil), r.Mask(cfg.MaxTasks))
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Name, err)
		}
		s.resources[r.Name] = res
		known[r.Name] = true
	}

	for i, e := range f.Events {
		if _, err := k.Events().NewEvent(e.IsEnabled(), e.Every, e.Mask()); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
	}

	var scriptErrs config.Errors
	var release kernel.Mask
	for i, t := range f.Tasks {
		steps, err := compile(i, t.Script, known, cfg.MaxTasks)
		if err != nil {
			var errs config.Errors
			if errors.As(err, &errs) {
				scriptErrs = append(scriptErrs, errs...)
				continue
			}
			return nil, err
		}
		words, err := t.StackWords()
		if err != nil {
			return nil, err
		}
		id := kernel.TaskID(t.ID)
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("task%d", t.ID)
		}
		s.names[id] = name
		if err := k.CreateTask(id, make([]uint32, words), s.entry(name, steps)); err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if t.Release {
			release |= id.Mask()
		}
	}
	if len(scriptErrs) != 0 {
		return nil, scriptErrs
	}
	s.remaining.Store(int32(len(f.Tasks)))

	k.Release(release)
	if err := k.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the kernel and blocks until every scripted task has finished,
// d has passed (if non-zero) or ctx is done. Reaching the end of the scripts
// or of d is a normal end and returns nil.
func (s *Scenario) Run(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	if d > 0 {
		t := time.AfterFunc(d, func() {
			timedOut.Store(true)
			cancel()
		})
		defer t.Stop()
	}
	s.cancel = cancel

	err := s.Kernel.StartKernel(ctx)
	switch {
	case errors.Is(err, context.Canceled) && (s.finished.Load() || timedOut.Load()):
		return nil
	case errors.Is(err, kernel.ErrNoRunnableTask) && s.finished.Load():
		// Under the halt idle policy the last exit can stop the kernel
		// before the cancellation does.
		return nil
	}
	return err
}

// Finished reports whether every scripted task ran to its end.
func (s *Scenario) Finished() bool {
	return s.finished.Load()
}

// Resource returns the current contents of a resource. Only call it while
// the kernel is not running.
func (s *Scenario) Resource(name string) ([]int64, bool) {
	r, ok := s.resources[name]
	if !ok {
		return nil, false
	}
	v, ok := r.Access()
	if !ok {
		return nil, false
	}
	return append([]int64(nil), *v...), true
}

// ResourceNames returns the resource names in sorted order.
func (s *Scenario) ResourceNames() []string {
	names := make([]string, 0, len(s.resources))
	for n := range s.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TaskName returns the name a task was given in the file.
func (s *Scenario) TaskName(id kernel.TaskID) string {
	if n, ok := s.names[id]; ok {
		return n
	}
	if id == kernel.IdleTaskID {
		return "idle"
	}
	return fmt.Sprintf("task%d", id)
}

func (s *Scenario) printf(format string, args ...interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, "[%6d] "+format+"\n", append([]interface{}{s.Kernel.Now()}, args...)...)
}

// entry returns the entry function that interprets steps.
func (s *Scenario) entry(name string, steps []step) func() {
	k := s.Kernel
	return func() {
	run:
		for pc := 0; pc < len(steps); pc++ {
			st := steps[pc]
			switch st.op {
			case opPush:
				s.acquire(name, st.res, func(v *[]int64) { *v = append(*v, st.n) })
			case opClear:
				s.acquire(name, st.res, func(v *[]int64) { *v = (*v)[:0] })
			case opPrint:
				s.acquire(name, st.res, func(v *[]int64) { s.printf("%s: %s = %v", name, st.res, *v) })
			case opLog:
				s.printf("%s: %s", name, strings.Join(st.args, " "))
			case opYield:
				k.Yield()
			case opWait:
				k.Wait()
			case opRelease:
				k.Release(st.mask)
			case opBlock:
				k.Block(st.mask)
			case opSpin:
				until := k.Now() + uint64(st.n)
				for k.Now() < until {
					k.CPU().WaitForInterrupt()
				}
			case opExit:
				break run
			case opLoop:
				pc = -1
			}
		}
		s.taskDone(name)
	}
}

func (s *Scenario) acquire(task, res string, fn func(*[]int64)) {
	if err := s.resources[res].TryAcquire(fn); err != nil {
		s.log.Debugf("scenario: %s: acquire %s: %v", task, res, err)
	}
}

func (s *Scenario) taskDone(name string) {
	s.log.Debugf("scenario: %s finished", name)
	if s.remaining.Add(-1) == 0 {
		s.finished.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	}
}
