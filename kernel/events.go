package kernel

import (
	"fmt"

	"github.com/hartex-rtos/hartex/logging"
	"github.com/hartex-rtos/hartex/metrics"
)

// EventID identifies a periodic event.
type EventID int

type event struct {
	enabled   bool
	threshold uint32
	counter   uint32
	release   Mask
}

// EventTable holds periodic events. Every enabled event counts SysTick
// interrupts and releases its tasks each time the count reaches the
// threshold.
type EventTable struct {
	k     *Kernel
	slots []event
	limit int
}

func newEventTable(k *Kernel, limit int) *EventTable {
	return &EventTable{k: k, limit: limit}
}

// NewEvent adds an event that releases the tasks in mask every threshold
// ticks. A threshold of zero is treated as one.
func (e *EventTable) NewEvent(enabled bool, threshold uint32, mask Mask) (EventID, error) {
	s := e.k.cpu.DisableInterrupts()
	defer e.k.cpu.RestoreInterrupts(s)
	if len(e.slots) >= e.limit {
		return 0, fmt.Errorf("%w: %d events", ErrCapacityExceeded, e.limit)
	}
	if threshold == 0 {
		threshold = 1
	}
	e.slots = append(e.slots, event{enabled: enabled, threshold: threshold, release: mask})
	return EventID(len(e.slots) - 1), nil
}

// Enable starts an event counting again. Its counter keeps its value.
func (e *EventTable) Enable(id EventID) error {
	return e.set(id, true)
}

// Disable stops an event from counting and firing.
func (e *EventTable) Disable(id EventID) error {
	return e.set(id, false)
}

func (e *EventTable) set(id EventID, on bool) error {
	s := e.k.cpu.DisableInterrupts()
	defer e.k.cpu.RestoreInterrupts(s)
	if id < 0 || int(id) >= len(e.slots) {
		return fmt.Errorf("%w: event %d", ErrInvalidID, id)
	}
	e.slots[id].enabled = on
	return nil
}

// Len returns the number of events.
func (e *EventTable) Len() int {
	s := e.k.cpu.DisableInterrupts()
	defer e.k.cpu.RestoreInterrupts(s)
	return len(e.slots)
}

// sweep advances every enabled event by one tick. Called from SysTick.
func (e *EventTable) sweep() {
	for i := range e.slots {
		ev := &e.slots[i]
		if !ev.enabled {
			continue
		}
		ev.counter++
		if ev.counter < ev.threshold {
			continue
		}
		ev.counter = 0
		e.k.metrics.Inc(metrics.TimerEventsFired)
		e.k.record(logging.Event{Kind: logging.TimerEvent, Event: i, Mask: uint32(ev.release)})
		e.k.release(ev.release)
	}
}
