package cyphal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/broker"
	"github.com/kstaniek/go-ampio-server/internal/can"
)

func TestHeartbeat_RoundTrip(t *testing.T) {
	want := Heartbeat{UptimeSeconds: 12345, Health: HealthCaution, Mode: ModeMaintenance, VendorStatus: 7}
	var buf [HeartbeatPayloadLen]byte
	n := EncodeHeartbeat(buf[:], want)
	if n != HeartbeatPayloadLen {
		t.Fatalf("n = %d, want %d", n, HeartbeatPayloadLen)
	}
	got, err := DecodeHeartbeat(buf[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeHeartbeat_TooShort(t *testing.T) {
	if _, err := DecodeHeartbeat([]byte{1, 2, 3}); err != ErrShortHeartbeat {
		t.Fatalf("err = %v, want ErrShortHeartbeat", err)
	}
}

func TestFrameID_RoundTrip(t *testing.T) {
	id := FrameID(42, HeartbeatSubjectID, defaultPriority)
	if id&can.CAN_EFF_FLAG == 0 {
		t.Fatalf("expected extended flag set")
	}
	node, subject := ParseFrameID(id)
	if node != 42 || subject != HeartbeatSubjectID {
		t.Fatalf("node=%d subject=%d, want 42/%d", node, subject, HeartbeatSubjectID)
	}
}

func TestClient_AcquiresExactlyOneSlot(t *testing.T) {
	br := broker.New()
	client, err := NewClient(9, br, func(can.Frame) error { return nil })
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := br.Count(); got != 1 {
		t.Fatalf("broker.Count() = %d, want 1 (client must hold a single shared slot)", got)
	}

	for i := 0; i < broker.NumSlots-1; i++ {
		if _, err := br.Acquire(); err != nil {
			t.Fatalf("acquire %d: expected a free slot left for socketcand sessions, got %v", i, err)
		}
	}
	if _, err := br.Acquire(); err != broker.ErrExhausted {
		t.Fatalf("expected exactly NumSlots-1 session slots left, got err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.Run(ctx)
}

func TestClient_PublishesAndDecodesHeartbeatsFromOtherNodes(t *testing.T) {
	br := broker.New()

	var mu sync.Mutex
	var received []Heartbeat
	var sent []can.Frame
	client, err := NewClient(9, br, func(fr can.Frame) error {
		mu.Lock()
		sent = append(sent, fr)
		mu.Unlock()
		return nil
	}, WithInterval(10*time.Millisecond), WithOnHeartbeat(func(nodeID uint8, hb Heartbeat) {
		mu.Lock()
		received = append(received, hb)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go client.Run(ctx)

	// Wait for the publish tick to fire at least once.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if len(sent) == 0 {
		mu.Unlock()
		t.Fatalf("client never published a heartbeat")
	}
	mu.Unlock()

	// Simulate a heartbeat arriving from another node on the physical bus,
	// the way the socketcan/serial RX ingress loops fan frames out with no
	// originating slot.
	var payload [HeartbeatPayloadLen]byte
	EncodeHeartbeat(payload[:], Heartbeat{UptimeSeconds: 42, Health: HealthCaution, Mode: ModeMaintenance})
	otherNode := can.New(FrameID(3, HeartbeatSubjectID, defaultPriority), true, payload[:])
	br.EnqueueExcept(otherNode, nil)

	deadline = time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatalf("client never decoded the other node's heartbeat")
	}
	if received[0].Mode != ModeMaintenance || received[0].Health != HealthCaution {
		t.Fatalf("unexpected heartbeat %+v", received[0])
	}
}
