package logging

import (
	"fmt"
	"io"
	"sync"
)

// EventKind identifies one kind of kernel event. Every kind can be enabled
// or disabled on its own.
type EventKind uint8

const (
	Release EventKind = iota
	BlockTasks
	UnblockTasks
	TaskExit
	ResourceLock
	ResourceUnlock
	TimerEvent

	numEventKinds
)

var eventKindNames = [numEventKinds]string{
	Release:        "release",
	BlockTasks:     "block_tasks",
	UnblockTasks:   "unblock_tasks",
	TaskExit:       "task_exit",
	ResourceLock:   "resource_lock",
	ResourceUnlock: "resource_unlock",
	TimerEvent:     "timer_event",
}

func (k EventKind) String() string {
	if k < numEventKinds {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind returns the kind with the given name, as printed by String.
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range eventKindNames {
		if n == name {
			return EventKind(k), true
		}
	}
	return 0, false
}

// EventKinds returns all event kinds in order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, numEventKinds)
	for i := range kinds {
		kinds[i] = EventKind(i)
	}
	return kinds
}

// Event is one kernel event. Which fields are meaningful depends on Kind:
// Mask for release and block events, Task for task exits and resource
// events, Resource for resource events, Event for timer events.
type Event struct {
	Kind     EventKind
	Tick     uint64
	Task     int
	Mask     uint32
	Resource int
	Event    int
}

func (e Event) String() string {
	switch e.Kind {
	case Release, BlockTasks, UnblockTasks:
		return fmt.Sprintf("[%6d] %-15s mask=%#08x", e.Tick, e.Kind, e.Mask)
	case TaskExit:
		return fmt.Sprintf("[%6d] %-15s task=%d", e.Tick, e.Kind, e.Task)
	case ResourceLock, ResourceUnlock:
		return fmt.Sprintf("[%6d] %-15s resource=%d task=%d", e.Tick, e.Kind, e.Resource, e.Task)
	case TimerEvent:
		return fmt.Sprintf("[%6d] %-15s event=%d mask=%#08x", e.Tick, e.Kind, e.Event, e.Mask)
	}
	return fmt.Sprintf("[%6d] %s", e.Tick, e.Kind)
}

// DefaultEventCapacity is the size of an EventLog created with capacity 0.
const DefaultEventCapacity = 64

// EventLog collects kernel events. Recording never blocks for long: when the
// log is full new events are dropped and counted. Process drains it.
//
// All kinds start disabled.
type EventLog struct {
	mu      sync.Mutex
	enabled [numEventKinds]bool
	q       queue
	dropped uint64
}

// NewEventLog returns an event log holding up to capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{q: newQueue(capacity)}
}

// Set enables or disables recording of one event kind.
func (l *EventLog) Set(kind EventKind, on bool) {
	if l == nil || kind >= numEventKinds {
		return
	}
	l.mu.Lock()
	l.enabled[kind] = on
	l.mu.Unlock()
}

// SetAll enables or disables every event kind.
func (l *EventLog) SetAll(on bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	for i := range l.enabled {
		l.enabled[i] = on
	}
	l.mu.Unlock()
}

func (l *EventLog) Enabled(kind EventKind) bool {
	if l == nil || kind >= numEventKinds {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled[kind]
}

// Record appends an event if its kind is enabled.
func (l *EventLog) Record(e Event) {
	if l == nil || e.Kind >= numEventKinds {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled[e.Kind] {
		return
	}
	if !l.q.Push(e) {
		l.dropped++
	}
}

// Drain removes and returns all buffered events, oldest first.
func (l *EventLog) Drain() []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]Event, 0, l.q.Len())
	for {
		e, ok := l.q.Pop()
		if !ok {
			break
		}
		events = append(events, e)
	}
	return events
}

// Process drains the log and writes one line per event to w.
func (l *EventLog) Process(w io.Writer) (int, error) {
	n := 0
	for _, e := range l.Drain() {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Len returns the number of buffered events.
func (l *EventLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Len()
}

// Dropped returns how many events were lost because the log was full.
func (l *EventLog) Dropped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
