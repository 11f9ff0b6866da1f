// Package broker implements the CAN bus fan-out broker: a single producer
// (the CAN driver ingress loop) and up to NumSlots dynamically-loaned
// consumer queues, one per active socketcand session, each with a bounded
// queue depth so one slow reader can't stall the others.
package broker

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ampio-server/internal/can"
	"github.com/kstaniek/go-ampio-server/internal/logging"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
)

const (
	// NumSlots is the fixed number of preallocated receiver slots; it is
	// also the hard cap on concurrent sessions.
	NumSlots = 5
	// QueueCapacity is the bound on each slot's frame queue.
	QueueCapacity = 32
)

// ErrExhausted is returned by Acquire when every slot is already loaned out.
var ErrExhausted = errors.New("broker: no free slot")

// Slot is the unit the broker loans to a session. Queue carries data
// frames; Closed is closed exactly once to interrupt a blocking pop during
// teardown, so no dlc-sentinel value is needed to signal shutdown — the
// session selects on both channels.
type Slot struct {
	Queue  chan can.Frame
	Closed chan struct{}

	idx       int
	closeOnce sync.Once
	inUse     atomic.Bool
}

// Close signals the slot is shutting down (idempotent, safe to call from
// either direction of the owning session).
func (s *Slot) Close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

// Broker owns the slot storage for the process lifetime. A free-list
// channel holds pointers to idle slots; acquire/release pop/push it. The
// ingress path reads each slot's inUse flag lock-free.
type Broker struct {
	slots [NumSlots]*Slot
	free  chan *Slot
}

// New preallocates all slots, idle and enumerated on the free list.
func New() *Broker {
	b := &Broker{free: make(chan *Slot, NumSlots)}
	for i := range b.slots {
		s := &Slot{idx: i}
		resetSlot(s)
		b.slots[i] = s
		b.free <- s
	}
	return b
}

func resetSlot(s *Slot) {
	s.Queue = make(chan can.Frame, QueueCapacity)
	s.Closed = make(chan struct{})
	s.closeOnce = sync.Once{}
}

// Acquire pops a slot from the free list, resets its queue, and marks it
// in use. It returns ErrExhausted if none are free (all NumSlots loaned).
func (b *Broker) Acquire() (*Slot, error) {
	select {
	case s := <-b.free:
		resetSlot(s)
		s.inUse.Store(true)
		metrics.SetHubClients(b.Count())
		return s, nil
	default:
		return nil, ErrExhausted
	}
}

// Release clears the in-use flag, resets the queue, and returns the slot to
// the free list. Callers must release exactly once.
func (b *Broker) Release(s *Slot) {
	s.inUse.Store(false)
	resetSlot(s)
	b.free <- s
	metrics.SetHubClients(b.Count())
}

// EnqueueExcept delivers fr to every in-use slot except sender (which may be
// nil, e.g. for bus-ingress frames with no originating session). The push
// is always non-blocking: a full queue increments the drop counter and the
// broker proceeds to the next slot instead of stalling the caller.
func (b *Broker) EnqueueExcept(fr can.Frame, sender *Slot) {
	fanout := 0
	for _, s := range b.slots {
		if !s.inUse.Load() || s == sender {
			continue
		}
		fanout++
		select {
		case s.Queue <- fr:
		default:
			metrics.IncHubDrop()
		}
	}
	metrics.SetBroadcastFanout(fanout)
}

// Count returns the number of slots currently loaned out.
func (b *Broker) Count() int {
	n := 0
	for _, s := range b.slots {
		if s.inUse.Load() {
			n++
		}
	}
	return n
}

// LogClientsChanged logs client-count transitions (0->1, 1->0) for callers
// that track connection counts. It has no caller in this repository.
func LogClientsChanged(prev, cur int) {
	if prev == 0 && cur > 0 {
		logging.L().Info("clients_first_connected")
	}
	if prev > 0 && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}
