// Package metrics exposes the kernel's counters through the same
// Description/Sample/Read shape as runtime/metrics.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

type Sample struct {
	Name  string
	Value Value
}

type Value struct {
	kind ValueKind
	u    uint64
}

func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the value of a KindUint64 metric. It panics for any other
// kind.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("metrics: called Uint64 on non-uint64 metric value")
	}
	return v.u
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
)

// Names of the kernel metrics.
const (
	Ticks            = "/kernel/ticks:ticks"
	ContextSwitches  = "/kernel/sched/switches:switches"
	Schedules        = "/kernel/sched/decisions:calls"
	Releases         = "/kernel/tasks/releases:calls"
	TaskExits        = "/kernel/tasks/exits:tasks"
	LocksGranted     = "/kernel/resources/locks-granted:locks"
	LocksDenied      = "/kernel/resources/locks-denied:locks"
	AcquireDenied    = "/kernel/resources/acquire-unauthorized:calls"
	TimerEventsFired = "/kernel/events/fired:events"
)

var descriptions = []Description{
	{Name: AcquireDenied, Description: "Acquire calls rejected because the task is not in the resource mask.", Kind: KindUint64, Cumulative: true},
	{Name: ContextSwitches, Description: "Context switches performed by PendSV.", Kind: KindUint64, Cumulative: true},
	{Name: TimerEventsFired, Description: "Periodic events that reached their threshold.", Kind: KindUint64, Cumulative: true},
	{Name: LocksDenied, Description: "Resource locks that found the resource held.", Kind: KindUint64, Cumulative: true},
	{Name: LocksGranted, Description: "Resource locks granted.", Kind: KindUint64, Cumulative: true},
	{Name: Schedules, Description: "Scheduling decisions taken.", Kind: KindUint64, Cumulative: true},
	{Name: TaskExits, Description: "Tasks that exited.", Kind: KindUint64, Cumulative: true},
	{Name: Releases, Description: "Calls to Release.", Kind: KindUint64, Cumulative: true},
	{Name: Ticks, Description: "SysTick interrupts taken.", Kind: KindUint64, Cumulative: true},
}

// All returns the descriptions of every supported metric, sorted by name.
func All() []Description {
	d := make([]Description, len(descriptions))
	copy(d, descriptions)
	sort.Slice(d, func(i, j int) bool { return d[i].Name < d[j].Name })
	return d
}

// Set is a set of counters. The zero value is ready to use and a nil *Set
// discards updates.
type Set struct {
	once     sync.Once
	counters map[string]*atomic.Uint64
}

func (s *Set) init() {
	s.once.Do(func() {
		s.counters = make(map[string]*atomic.Uint64, len(descriptions))
		for _, d := range descriptions {
			s.counters[d.Name] = new(atomic.Uint64)
		}
	})
}

// Add increments the named counter by n. Unknown names are ignored.
func (s *Set) Add(name string, n uint64) {
	if s == nil {
		return
	}
	s.init()
	if c := s.counters[name]; c != nil {
		c.Add(n)
	}
}

// Inc increments the named counter by one.
func (s *Set) Inc(name string) {
	s.Add(name, 1)
}

// Get returns the current value of the named counter.
func (s *Set) Get(name string) uint64 {
	if s == nil {
		return 0
	}
	s.init()
	if c := s.counters[name]; c != nil {
		return c.Load()
	}
	return 0
}

// Read populates each Value field in the given slice of metric samples.
// Samples with an unknown name get a KindBad value.
func (s *Set) Read(m []Sample) {
	if s != nil {
		s.init()
	}
	for i := range m {
		var c *atomic.Uint64
		if s != nil {
			c = s.counters[m[i].Name]
		}
		if c == nil {
			m[i].Value = Value{kind: KindBad}
			continue
		}
		m[i].Value = Value{kind: KindUint64, u: c.Load()}
	}
}

// Samples returns one sample per known metric, in the order of All.
func (s *Set) Samples() []Sample {
	all := All()
	m := make([]Sample, len(all))
	for i, d := range all {
		m[i].Name = d.Name
	}
	s.Read(m)
	return m
}
