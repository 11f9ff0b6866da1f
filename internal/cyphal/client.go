package cyphal

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/broker"
	"github.com/kstaniek/go-ampio-server/internal/can"
	"github.com/kstaniek/go-ampio-server/internal/logging"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
)

// SendFunc transmits a CAN frame to the bus backend.
type SendFunc func(can.Frame) error

// OnHeartbeat is invoked for each successfully decoded heartbeat from
// another node; it is called from the Client's own goroutine.
type OnHeartbeat func(nodeID uint8, hb Heartbeat)

const defaultHeartbeatInterval = time.Second

// Client is the node's single Cyphal participant: it acquires exactly one
// broker slot, exactly like a socketcand session, and shares it between the
// periodic heartbeat-publish tick and the heartbeat-receive drain so the
// Cyphal client costs the broker one slot, not two.
type Client struct {
	nodeID   uint8
	br       *broker.Broker
	slot     *broker.Slot
	send     SendFunc
	interval time.Duration
	logger   *slog.Logger
	start    time.Time
	onHB     OnHeartbeat
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnHeartbeat registers a callback invoked per decoded heartbeat.
func WithOnHeartbeat(fn OnHeartbeat) Option {
	return func(c *Client) { c.onHB = fn }
}

// NewClient acquires the broker slot shared by this node's publish and
// receive paths; callers should treat broker.ErrExhausted as fatal to
// heartbeat startup (every slot, including those meant for socketcand
// clients, is already loaned out).
func NewClient(nodeID uint8, br *broker.Broker, send SendFunc, opts ...Option) (*Client, error) {
	slot, err := br.Acquire()
	if err != nil {
		return nil, err
	}
	c := &Client{
		nodeID:   nodeID,
		br:       br,
		slot:     slot,
		send:     send,
		interval: defaultHeartbeatInterval,
		logger:   logging.L(),
		start:    time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run ticks the heartbeat publisher and drains received heartbeats on the
// same slot until ctx is cancelled or the slot is closed, releasing the
// slot on exit.
func (c *Client) Run(ctx context.Context) {
	defer c.br.Release(c.slot)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.slot.Closed:
			return
		case <-t.C:
			c.tick()
		case fr := <-c.slot.Queue:
			c.handle(fr)
		}
	}
}

func (c *Client) tick() {
	var payload [HeartbeatPayloadLen]byte
	EncodeHeartbeat(payload[:], Heartbeat{
		UptimeSeconds: uint32(time.Since(c.start) / time.Second),
		Health:        HealthNominal,
		Mode:          ModeOperational,
	})
	fr := can.New(FrameID(c.nodeID, HeartbeatSubjectID, defaultPriority), true, payload[:])

	// Fan out to sessions first so locally-originated heartbeats are visible
	// to connected clients even if the bus transmit below fails. Excludes
	// this client's own slot, so the publish never loops back into handle.
	c.br.EnqueueExcept(fr, c.slot)

	if c.send == nil {
		metrics.IncHeartbeatSent()
		return
	}
	if err := c.send(fr); err != nil {
		c.logger.Debug("cyphal_heartbeat_tx_error", "error", err)
		return
	}
	metrics.IncHeartbeatSent()
}

func (c *Client) handle(fr can.Frame) {
	if !fr.Extended() {
		return
	}
	nodeID, subjectID := ParseFrameID(fr.CANID)
	if subjectID != HeartbeatSubjectID {
		return
	}
	hb, err := DecodeHeartbeat(fr.Data[:fr.Len])
	if err != nil {
		c.logger.Debug("cyphal_heartbeat_decode_error", "error", err)
		return
	}
	metrics.IncHeartbeatReceived()
	if c.onHB != nil {
		c.onHB(nodeID, hb)
	}
}
