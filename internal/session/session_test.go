package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/broker"
	"github.com/kstaniek/go-ampio-server/internal/can"
)

// clientHandshake drives the client side of the rawmode exchange over conn
// and returns a buffered reader positioned right after it, ready to read
// "< frame ... >" lines or write "< send ... >" lines.
func clientHandshake(t *testing.T, conn net.Conn) *bufio.Reader {
	t.Helper()
	r := bufio.NewReader(conn)
	readMsg := func() string {
		s, err := r.ReadString('>')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimSpace(s)
	}
	if got := readMsg(); got != "< hi >" {
		t.Fatalf("hi = %q", got)
	}
	if _, err := conn.Write([]byte("< open vcan0 >")); err != nil {
		t.Fatalf("write open: %v", err)
	}
	if got := readMsg(); got != "< ok >" {
		t.Fatalf("open ack = %q", got)
	}
	if _, err := conn.Write([]byte("< rawmode >")); err != nil {
		t.Fatalf("write rawmode: %v", err)
	}
	if got := readMsg(); got != "< ok >" {
		t.Fatalf("rawmode ack = %q", got)
	}
	return r
}

func noopSend(can.Frame) error { return nil }

func TestSession_HandshakeThenTearsDownOnDisconnect(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	br := broker.New()
	slot, err := br.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	sess := New(serverConn, br, slot, noopSend, WithReadDeadline(200*time.Millisecond))
	go func() { sess.Run(ctx); close(done) }()

	clientHandshake(t, clientConn)
	if sess.State() != StateRunning {
		// Run may not have flipped state yet; poll briefly.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && sess.State() != StateRunning {
			time.Sleep(time.Millisecond)
		}
	}

	_ = clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not tear down after client disconnect")
	}
	if sess.State() != StateDead {
		t.Fatalf("state = %v, want Dead", sess.State())
	}
}

func TestSession_InvalidSendFrameTerminates(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	br := broker.New()
	slot, _ := br.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	sess := New(serverConn, br, slot, noopSend, WithReadDeadline(200*time.Millisecond))
	go func() { sess.Run(ctx); close(done) }()

	clientHandshake(t, clientConn)
	if _, err := clientConn.Write([]byte("< send ZZZ garbage >")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate on invalid send frame")
	}
}

func TestSession_FanoutBetweenTwoSessions(t *testing.T) {
	br := broker.New()

	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()
	defer aClient.Close()
	defer bClient.Close()

	slotA, _ := br.Acquire()
	slotB, _ := br.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessA := New(aServer, br, slotA, noopSend, WithReadDeadline(200*time.Millisecond))
	sessB := New(bServer, br, slotB, noopSend, WithReadDeadline(200*time.Millisecond))
	go sessA.Run(ctx)
	go sessB.Run(ctx)

	clientHandshake(t, aClient)
	rb := clientHandshake(t, bClient)

	if _, err := aClient.Write([]byte("< send 123 3 01 02 03 >")); err != nil {
		t.Fatalf("write send: %v", err)
	}

	aClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	bClient.SetReadDeadline(time.Now().Add(2 * time.Second))

	line, err := rb.ReadString('>')
	if err != nil {
		t.Fatalf("read frame on B: %v", err)
	}
	if !strings.Contains(line, "123") {
		t.Fatalf("frame line = %q, want containing 123", line)
	}
}
