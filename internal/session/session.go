// Package session runs one socketcand rawmode connection end to end: the
// ASCII handshake, then the two directions (TCP frames onto the CAN bus,
// and broker fan-out frames back onto the wire) until either side tears
// down the connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/broker"
	"github.com/kstaniek/go-ampio-server/internal/can"
	"github.com/kstaniek/go-ampio-server/internal/clock"
	"github.com/kstaniek/go-ampio-server/internal/logging"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
	"github.com/kstaniek/go-ampio-server/internal/socketcand"
)

// State is the coarse lifecycle stage of a session, exposed for the status aggregator.
type State int32

const (
	StateHandshaking State = iota
	StateRunning
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return "dead"
	}
}

// SendFunc transmits a single CAN frame to the bus backend (serial or
// socketcan). It is expected to be non-blocking (the backends enqueue onto
// a bounded async writer); busTransmitDeadline guards against the rare case
// of a backend that blocks anyway.
type SendFunc func(can.Frame) error

// busTransmitDeadline bounds how long a session waits for SendFunc to
// return before it gives up on that frame and counts a bus transmit timeout.
const busTransmitDeadline = 2 * time.Second

// Session owns one accepted TCP connection and the broker slot loaned to it.
type Session struct {
	conn   net.Conn
	slot   *broker.Slot
	broker *broker.Broker
	send   SendFunc
	logger *slog.Logger

	readDeadline     time.Duration
	handshakeTimeout time.Duration
	lr               *socketcand.LineReader

	state atomic.Int32

	teardownMu   sync.Mutex
	socketClosed bool

	framesOut atomic.Uint64
	framesIn  atomic.Uint64
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithReadDeadline bounds each blocking socket read, letting the read loop
// notice context cancellation promptly instead of blocking forever.
func WithReadDeadline(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

// WithLogger overrides the session's logger (defaults to logging.L()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHandshakeTimeout bounds how long the rawmode handshake may take
// before the connection is abandoned.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

const (
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
)

// New builds a session over an already-accepted connection and an already
// acquired broker slot. Callers must not touch slot after handing it to New;
// Run releases it back to the broker on exit.
func New(conn net.Conn, br *broker.Broker, slot *broker.Slot, send SendFunc, opts ...Option) *Session {
	s := &Session{
		conn:             conn,
		slot:             slot,
		broker:           br,
		send:             send,
		logger:           logging.L(),
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	s.lr = socketcand.NewLineReader(conn, socketcand.DefaultBufferSize)
	return s
}

// Run drives the session to completion: handshake, then both IO directions,
// then releases the broker slot. It returns once the connection is fully
// torn down; callers typically invoke it as `go sess.Run(ctx)`.
func (s *Session) Run(ctx context.Context) {
	defer s.broker.Release(s.slot)
	s.state.Store(int32(StateHandshaking))
	s.logger.Info("session_connected", "remote", s.conn.RemoteAddr().String())

	if err := s.handshake(ctx); err != nil {
		s.state.Store(int32(StateDead))
		s.logger.Warn("handshake_failed", "error", err)
		_ = s.conn.Close()
		return
	}
	s.state.Store(int32(StateRunning))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runToBus(ctx) }()
	go func() { defer wg.Done(); s.runFromBus(ctx) }()
	wg.Wait()

	s.state.Store(int32(StateDead))
	s.logger.Info("session_disconnected",
		"frames_to_bus", s.framesOut.Load(),
		"frames_from_bus", s.framesIn.Load())
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// handshake runs the rawmode exchange (hi / open / rawmode) to completion,
// reusing the session's single LineReader so any bytes the client pipelined
// past the handshake are not lost when the read loop takes over.
func (s *Session) handshake(ctx context.Context) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	respBuf := make([]byte, 32)
	frameBuf := make([]byte, socketcand.DefaultBufferSize)
	var last []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, phase, err := socketcand.RawmodeStep(respBuf, last)
		if err != nil {
			return err
		}
		if err := socketcand.WriteAll(s.conn, respBuf[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrConnWrite, err)
		}
		switch phase {
		case socketcand.PhaseEstablished:
			return nil
		case socketcand.PhaseRejected:
			metrics.IncInvalidSocketcand()
			return ErrHandshakeRejected
		}
		fn, err := s.lr.NextFrame(frameBuf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnRead, err)
		}
		last = frameBuf[:fn]
	}
}

// runToBus reads "< send ... >" lines off the TCP connection, fans each
// decoded frame out to the other sessions and attempts to transmit it to
// the physical bus.
func (s *Session) runToBus(ctx context.Context) {
	buf := make([]byte, socketcand.DefaultBufferSize)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		n, err := s.lr.NextFrame(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					s.teardown("context_cancelled")
					return
				default:
					continue
				}
			}
			s.teardown("tcp_read_error")
			return
		}
		fr, err := socketcand.DecodeSend(string(buf[:n]))
		if err != nil {
			metrics.IncInvalidSocketcand()
			s.logger.Debug("invalid_send_frame", "error", err)
			s.teardown("invalid_send_frame")
			return
		}
		metrics.IncTCPRx()
		s.framesOut.Add(1)
		s.broker.EnqueueExcept(fr, s.slot)
		s.transmitWithDeadline(ctx, fr)
	}
}

// transmitWithDeadline calls send in its own goroutine and waits up to
// busTransmitDeadline for it to return. A SendFunc backed by a bounded
// async writer returns almost immediately; the deadline only guards
// against a backend that unexpectedly blocks.
func (s *Session) transmitWithDeadline(parent context.Context, fr can.Frame) {
	errCh := make(chan error, 1)
	go func() { errCh <- s.send(fr) }()
	timer := time.NewTimer(busTransmitDeadline)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Debug("bus_transmit_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
		}
	case <-timer.C:
		metrics.IncBusTransmitTimeout()
	case <-parent.Done():
	}
}

// runFromBus drains the broker slot's queue and writes each frame to the
// TCP connection as a "< frame ... >" line, until the slot is closed by the
// sibling goroutine or the connection itself fails.
func (s *Session) runFromBus(ctx context.Context) {
	buf := make([]byte, socketcand.DefaultBufferSize)
	for {
		select {
		case fr := <-s.slot.Queue:
			secs, usecs := clock.Split()
			n, err := socketcand.EncodeFrame(buf, fr, secs, usecs)
			if err != nil {
				s.logger.Debug("encode_error", "error", err)
				continue
			}
			if err := socketcand.WriteAll(s.conn, buf[:n]); err != nil {
				s.teardown("tcp_write_error")
				return
			}
			metrics.AddTCPTx(1)
			s.framesIn.Add(1)
		case <-s.slot.Closed:
			s.teardown("sibling_closed")
			return
		case <-ctx.Done():
			s.teardown("context_cancelled")
			return
		}
	}
}

// teardown is the cooperative, close-once shutdown: the first goroutine to
// reach it closes the socket and the slot (waking the sibling's blocking
// select) and logs the reason; the second returns without doing anything.
func (s *Session) teardown(reason string) {
	s.teardownMu.Lock()
	first := !s.socketClosed
	if first {
		s.socketClosed = true
		s.state.Store(int32(StateClosing))
	}
	s.teardownMu.Unlock()
	if !first {
		return
	}
	_ = s.conn.Close()
	s.slot.Close()
	s.logger.Debug("session_teardown", "reason", reason)
}
