package broker

import (
	"testing"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/can"
)

func TestAcquireRelease_CapacityInvariant(t *testing.T) {
	b := New()
	var slots []*Slot
	for i := 0; i < NumSlots; i++ {
		s, err := b.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		slots = append(slots, s)
	}
	if _, err := b.Acquire(); err != ErrExhausted {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if got := b.Count(); got != NumSlots {
		t.Fatalf("count = %d, want %d", got, NumSlots)
	}
	b.Release(slots[0])
	if got := b.Count(); got != NumSlots-1 {
		t.Fatalf("count after release = %d, want %d", got, NumSlots-1)
	}
	// Subsequent acquire on the freed slot must succeed (S6: close-once / slot reuse).
	if _, err := b.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestEnqueueExcept_NoSelfEcho(t *testing.T) {
	b := New()
	sender, _ := b.Acquire()
	peer, _ := b.Acquire()

	b.EnqueueExcept(can.New(0x123, false, nil), sender)

	select {
	case <-sender.Queue:
		t.Fatalf("sender must not receive its own frame")
	default:
	}
	select {
	case <-peer.Queue:
	default:
		t.Fatalf("peer should have received the frame")
	}
}

func TestEnqueueExcept_NonBlockingDrop(t *testing.T) {
	b := New()
	slow, _ := b.Acquire()

	done := make(chan struct{})
	go func() {
		for i := 0; i < QueueCapacity+10; i++ {
			b.EnqueueExcept(can.New(uint32(i), false, nil), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueue_except blocked on a saturated slot")
	}
	if len(slow.Queue) != QueueCapacity {
		t.Fatalf("queue len = %d, want %d (full)", len(slow.Queue), QueueCapacity)
	}
}

func TestSlot_CloseIdempotent(t *testing.T) {
	b := New()
	s, _ := b.Acquire()
	s.Close()
	s.Close() // must not panic on double close
	select {
	case <-s.Closed:
	default:
		t.Fatalf("Closed channel should be closed")
	}
}
