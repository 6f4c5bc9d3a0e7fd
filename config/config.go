// Package config reads scenario files: the kernel capacities and timing, the
// shared resources, the tasks with their scripts and the periodic events of
// one simulated application.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/hartex-rtos/hartex/helpers"
	"github.com/hartex-rtos/hartex/kernel"
	"github.com/hartex-rtos/hartex/logging"
)

// File is a parsed scenario file.
type File struct {
	Kernel    Kernel     `yaml:"kernel"`
	Log       Log        `yaml:"log"`
	Resources []Resource `yaml:"resources"`
	Tasks     []Task     `yaml:"tasks"`
	Events    []Event    `yaml:"events"`
}

type Kernel struct {
	MaxTasks     int    `yaml:"max_tasks"`
	MaxResources int    `yaml:"max_resources"`
	MaxEvents    int    `yaml:"max_events"`
	Tick         string `yaml:"tick"`       // time.Duration syntax, "0" disables SysTick
	Idle         string `yaml:"idle"`       // "task" or "halt"
	IdleStack    string `yaml:"idle_stack"` // byte size, like "256B"
}

type Log struct {
	Events   []string `yaml:"events"` // event kinds, or "all"
	Capacity int      `yaml:"capacity"`
}

type Resource struct {
	Name  string `yaml:"name"`
	Tasks []int  `yaml:"tasks"` // empty means every task
}

type Task struct {
	ID      int      `yaml:"id"`
	Name    string   `yaml:"name"`
	Stack   string   `yaml:"stack"`
	Release bool     `yaml:"release"`
	Script  []string `yaml:"script"`
}

type Event struct {
	Every   uint32 `yaml:"every"`
	Release []int  `yaml:"release"`
	Enabled *bool  `yaml:"enabled"` // default true
}

// Defaults for fields left out of a file.
const (
	DefaultStack = "1KB"
	DefaultTick  = "1ms"

	// Smallest stack a task can have: an exception frame plus some room.
	MinStackBytes = 128
)

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a scenario file. Unknown fields are an error. The result is not
// validated yet.
func Parse(data []byte) (*File, error) {
	f := new(File)
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Error is a problem with one field of a scenario file.
type Error struct {
	Path string // like "tasks[2].stack"
	Msg  string
}

func (e Error) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return e.Path + ": " + e.Msg
}

// Errors is the list of problems Validate found.
type Errors []Error

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

func (e *Errors) add(path, format string, args ...interface{}) {
	*e = append(*e, Error{Path: path, Msg: fmt.Sprintf(format, args...)})
}

// KernelConfig returns the kernel configuration described by the file.
func (f *File) KernelConfig() (kernel.Config, error) {
	var errs Errors
	cfg := f.kernelConfig(&errs)
	if len(errs) != 0 {
		return cfg, errs
	}
	return cfg, nil
}

func (f *File) kernelConfig(errs *Errors) kernel.Config {
	cfg := kernel.DefaultConfig()
	if f.Kernel.MaxTasks != 0 {
		cfg.MaxTasks = f.Kernel.MaxTasks
	}
	if f.Kernel.MaxResources != 0 {
		cfg.MaxResources = f.Kernel.MaxResources
	}
	if f.Kernel.MaxEvents != 0 {
		cfg.MaxEvents = f.Kernel.MaxEvents
	}
	tick := f.Kernel.Tick
	if tick == "" {
		tick = DefaultTick
	}
	if d, err := time.ParseDuration(tick); err != nil {
		errs.add("kernel.tick", "%v", err)
	} else {
		cfg.Tick = d
	}
	if p, err := kernel.ParseIdlePolicy(f.Kernel.Idle); err != nil {
		errs.add("kernel.idle", "unknown idle policy %q, want task or halt", f.Kernel.Idle)
	} else {
		cfg.Idle = p
	}
	if f.Kernel.IdleStack != "" {
		if words, err := StackWords(f.Kernel.IdleStack); err != nil {
			errs.add("kernel.idle_stack", "%v", err)
		} else {
			cfg.IdleStackWords = words
		}
	}
	if _, err := cfg.Validate(); err != nil {
		errs.add("kernel", "%v", err)
	}
	return cfg
}

// StackWords converts a byte size like "1KB" into a number of 32-bit stack
// words.
func StackWords(size string) (int, error) {
	b, err := bytesize.Parse(size)
	if err != nil {
		return 0, fmt.Errorf("bad stack size %q: %v", size, err)
	}
	if b < MinStackBytes {
		return 0, fmt.Errorf("stack size %v is below the minimum of %dB", b, MinStackBytes)
	}
	return int(b) / 4, nil
}

// StackWords returns the stack size of the task in words.
func (t *Task) StackWords() (int, error) {
	s := t.Stack
	if s == "" {
		s = DefaultStack
	}
	return StackWords(s)
}

// EventKinds returns the event kinds the log section enables.
func (l *Log) EventKinds() ([]logging.EventKind, error) {
	var kinds []logging.EventKind
	for _, name := range l.Events {
		if name == "all" {
			return logging.EventKinds(), nil
		}
		k, ok := logging.ParseEventKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Mask returns the tasks the resource is shared with. An empty list shares
// it with every task of a table of maxTasks.
func (r *Resource) Mask(maxTasks int) kernel.Mask {
	if len(r.Tasks) == 0 {
		return helpers.AllTasks(maxTasks)
	}
	return taskMask(r.Tasks)
}

// Mask returns the tasks the event releases.
func (e *Event) Mask() kernel.Mask {
	return taskMask(e.Release)
}

// IsEnabled reports whether the event starts enabled.
func (e *Event) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func taskMask(ids []int) kernel.Mask {
	var m kernel.Mask
	for _, id := range ids {
		if id >= 0 && id < kernel.MaxTaskLimit {
			m |= kernel.TaskID(id).Mask()
		}
	}
	return m
}

// Validate checks the whole file and reports every problem it finds.
func (f *File) Validate() error {
	var errs Errors
	cfg := f.kernelConfig(&errs)

	if _, err := f.Log.EventKinds(); err != nil {
		errs.add("log.events", "%v", err)
	}
	if f.Log.Capacity < 0 {
		errs.add("log.capacity", "negative capacity %d", f.Log.Capacity)
	}

	checkIDs := func(path string, ids []int) {
		for j, id := range ids {
			if id < 0 || id >= cfg.MaxTasks {
				errs.add(fmt.Sprintf("%s[%d]", path, j), "task id %d out of range 0..%d", id, cfg.MaxTasks-1)
			}
		}
	}

	if len(f.Resources) > cfg.MaxResources {
		errs.add("resources", "%d resources, kernel holds %d", len(f.Resources), cfg.MaxResources)
	}
	names := make(map[string]bool)
	for i, r := range f.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		switch {
		case r.Name == "":
			errs.add(path+".name", "missing name")
		case names[r.Name]:
			errs.add(path+".name", "duplicate resource %q", r.Name)
		}
		names[r.Name] = true
		checkIDs(path+".tasks", r.Tasks)
	}

	if len(f.Tasks) == 0 {
		errs.add("tasks", "no tasks")
	}
	ids := make(map[int]bool)
	for i, t := range f.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.ID < 0 || t.ID >= cfg.MaxTasks:
			errs.add(path+".id", "task id %d out of range 0..%d", t.ID, cfg.MaxTasks-1)
		case t.ID == int(kernel.IdleTaskID) && cfg.Idle == kernel.IdleTask:
			errs.add(path+".id", "task id %d is reserved for the idle task", t.ID)
		case ids[t.ID]:
			errs.add(path+".id", "duplicate task id %d", t.ID)
		}
		ids[t.ID] = true
		if _, err := t.StackWords(); err != nil {
			errs.add(path+".stack", "%v", err)
		}
		if len(t.Script) == 0 {
			errs.add(path+".script", "empty script")
		}
	}

	if len(f.Events) > cfg.MaxEvents {
		errs.add("events", "%d events, kernel holds %d", len(f.Events), cfg.MaxEvents)
	}
	for i, e := range f.Events {
		path := fmt.Sprintf("events[%d]", i)
		if e.Every == 0 {
			errs.add(path+".every", "must be at least 1 tick")
		}
		if len(e.Release) == 0 {
			errs.add(path+".release", "no tasks to release")
		}
		checkIDs(path+".release", e.Release)
	}

	if len(errs) != 0 {
		return errs
	}
	return nil
}
