// Package discovery implements the CANBeacon UDP broadcast: an unsolicited
// advertisement of this adapter's socketcand endpoint, sent periodically
// so socketcand clients (e.g. can-utils' cangw/cansniffer GUIs) can find
// it without a preconfigured address. Ported from the original firmware's
// discovery_beacon.c, which broadcasts the same XML snippet on port 42000.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/logging"
)

// BroadcastPort is the well-known UDP port CANBeacon listeners poll.
const BroadcastPort = 42000

const defaultInterval = 2 * time.Second

// Beacon periodically broadcasts a CANBeacon XML document advertising one
// or more can:// URLs for this adapter.
type Beacon struct {
	name        string
	description string
	busName     string
	canPort     int
	interval    time.Duration
	logger      *slog.Logger

	conn *net.UDPConn
}

// Option configures a Beacon at construction time.
type Option func(*Beacon)

func WithName(name string) Option {
	return func(b *Beacon) {
		if name != "" {
			b.name = name
		}
	}
}

func WithDescription(desc string) Option {
	return func(b *Beacon) { b.description = desc }
}

func WithBusName(name string) Option {
	return func(b *Beacon) {
		if name != "" {
			b.busName = name
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(b *Beacon) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Beacon) {
		if l != nil {
			b.logger = l
		}
	}
}

// New constructs a Beacon advertising socketcand's TCP port canPort. Unlike
// the original firmware's hardcoded 9999, canPort should be the listener's
// actual bound port so the advertisement stays correct even with :0 binds.
func New(canPort int, opts ...Option) *Beacon {
	b := &Beacon{
		name:        "can-server",
		description: "socketcand bridge",
		busName:     "can0",
		canPort:     canPort,
		interval:    defaultInterval,
		logger:      logging.L(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run broadcasts the beacon on BroadcastPort every interval until ctx is
// cancelled. Socket setup failures are logged and retried on the next
// tick rather than treated as fatal, since the network may come up after
// this goroutine starts.
func (b *Beacon) Run(ctx context.Context) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	defer b.closeConn()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.send(); err != nil {
				b.logger.Debug("discovery_beacon_send_failed", "error", err)
			}
		}
	}
}

func (b *Beacon) send() error {
	if b.conn == nil {
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("255.255.255.255:%d", BroadcastPort))
		if err != nil {
			return err
		}
		conn, err := net.DialUDP("udp4", nil, addr)
		if err != nil {
			return err
		}
		b.conn = conn
	}
	_, err := b.conn.Write(b.document())
	return err
}

func (b *Beacon) closeConn() {
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// document renders the CANBeacon XML snippet, advertising a can:// URL for
// every non-loopback IPv4 address currently assigned to the host.
func (b *Beacon) document() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<CANBeacon name='%s' type='adapter' description='%s'>\n", b.name, b.description)
	for _, ip := range localIPv4Addrs() {
		fmt.Fprintf(&buf, "<URL>can://%s:%d</URL>\n", ip, b.canPort)
	}
	fmt.Fprintf(&buf, "<Bus name='%s'/>\n</CANBeacon>\n", b.busName)
	return buf.Bytes()
}

func localIPv4Addrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		out = append(out, v4.String())
	}
	return out
}
