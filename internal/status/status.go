// Package status aggregates the process's live counters and link state
// into the JSON document served at GET /api/status. It mirrors the
// original firmware's status_report.c: one shared buffer guarded by a
// mutex, reused across requests to avoid a heap allocation per poll.
package status

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/broker"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
	"github.com/kstaniek/go-ampio-server/internal/socketcan"
)

// BusStater is satisfied by socketcan.Controller; accepting the interface
// keeps this package buildable on platforms without the Linux recovery
// controller wired in.
type BusStater interface {
	State() (socketcan.BusState, error)
	Stats() (socketcan.Stats, error)
}

// Aggregator produces the status document on demand. It holds no frame
// data itself; it reads through to the broker and metrics packages, both
// of which already keep their own counters.
type Aggregator struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	start  time.Time
	br     *broker.Broker
	bus    BusStater
	ifaces []string
}

// Option configures an Aggregator at construction time.
type Option func(*Aggregator)

// WithBusController registers the CAN controller queried for link state.
func WithBusController(c BusStater) Option {
	return func(a *Aggregator) { a.bus = c }
}

// WithInterfaces sets the network interface names reported under
// "Network interfaces"; defaults to every interface net.Interfaces() sees.
func WithInterfaces(names ...string) Option {
	return func(a *Aggregator) { a.ifaces = names }
}

// New constructs an Aggregator. start is normally time.Now(), pinned at
// process startup, used to compute the reported uptime.
func New(br *broker.Broker, start time.Time, opts ...Option) *Aggregator {
	a := &Aggregator{start: start, br: br}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Snapshot renders the status document into the aggregator's reused
// buffer and returns its bytes. The returned slice is only valid until
// the next call to Snapshot; callers needing to retain it must copy.
func (a *Aggregator) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Reset()
	a.buf.WriteString("{\n")

	fmt.Fprintf(&a.buf, "  \"Uptime seconds\": %d,\n", int64(time.Since(a.start).Seconds()))
	fmt.Fprintf(&a.buf, "  \"Go runtime\": \"%s\",\n", runtime.Version())

	a.buf.WriteString("  \"Network interfaces\": ")
	a.writeInterfaces()
	a.buf.WriteString(",\n")

	a.buf.WriteString("  \"CAN bus status\": ")
	a.writeBusStatus()
	a.buf.WriteString(",\n")

	a.buf.WriteString("  \"Broker status\": ")
	a.writeBrokerStatus()
	a.buf.WriteString(",\n")

	a.buf.WriteString("  \"Cyphal status\": ")
	a.writeCyphalStatus()
	a.buf.WriteString("\n}\n")

	return a.buf.Bytes()
}

func (a *Aggregator) interfaceNames() []string {
	if len(a.ifaces) > 0 {
		return a.ifaces
	}
	ifs, err := net.Interfaces()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(ifs))
	for _, ifc := range ifs {
		names = append(names, ifc.Name)
	}
	return names
}

func (a *Aggregator) writeInterfaces() {
	names := a.interfaceNames()
	a.buf.WriteString("{\n")
	for i, name := range names {
		fmt.Fprintf(&a.buf, "    %q: %q", name, operState(name))
		if i < len(names)-1 {
			a.buf.WriteString(",")
		}
		a.buf.WriteString("\n")
	}
	a.buf.WriteString("  }")
}

// operState reads /sys/class/net/<if>/operstate on Linux; other platforms
// (and interfaces the kernel hasn't populated it for) report "unknown".
func operState(name string) string {
	if runtime.GOOS != "linux" {
		return "unknown"
	}
	b, err := os.ReadFile(filepath.Join("/sys/class/net", name, "operstate"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

func (a *Aggregator) writeBusStatus() {
	state := "unknown"
	var stats socketcan.Stats
	if a.bus != nil {
		if s, err := a.bus.State(); err == nil {
			state = s.String()
		}
		if s, err := a.bus.Stats(); err == nil {
			stats = s
		}
	}
	snap := metrics.Snap()
	a.buf.WriteString("{\n")
	fmt.Fprintf(&a.buf, "    \"Controller state\": %q,\n", state)
	fmt.Fprintf(&a.buf, "    \"Total frames received from CAN bus\": %d,\n", snap.SocketCANRx)
	fmt.Fprintf(&a.buf, "    \"Total frames sent to CAN bus\": %d,\n", snap.SocketCANTx)
	fmt.Fprintf(&a.buf, "    \"Total bus transmit timeouts\": %d,\n", snap.BusTimeouts)
	fmt.Fprintf(&a.buf, "    \"Total bus-off events\": %d,\n", snap.BusOff)
	fmt.Fprintf(&a.buf, "    \"Total bus recoveries\": %d,\n", snap.BusRecoveries)
	fmt.Fprintf(&a.buf, "    \"Frames queued for transmit\": %d,\n", stats.QueuedTX)
	fmt.Fprintf(&a.buf, "    \"Frames waiting for receive\": %d,\n", stats.WaitingRX)
	fmt.Fprintf(&a.buf, "    \"Controller TX error counter\": %d,\n", stats.TXErrorCounter)
	fmt.Fprintf(&a.buf, "    \"Controller RX error counter\": %d,\n", stats.RXErrorCounter)
	fmt.Fprintf(&a.buf, "    \"Total failed transmits\": %d,\n", stats.FailedTX)
	fmt.Fprintf(&a.buf, "    \"Total missed receives\": %d,\n", stats.MissedRX)
	fmt.Fprintf(&a.buf, "    \"Total receive overruns\": %d,\n", stats.Overrun)
	fmt.Fprintf(&a.buf, "    \"Total arbitration lost\": %d,\n", stats.ArbitrationLost)
	fmt.Fprintf(&a.buf, "    \"Total bus errors\": %d\n", stats.BusErrors)
	a.buf.WriteString("  }")
}

func (a *Aggregator) writeBrokerStatus() {
	snap := metrics.Snap()
	connected := 0
	if a.br != nil {
		connected = a.br.Count()
	}
	a.buf.WriteString("{\n")
	fmt.Fprintf(&a.buf, "    \"Connected clients\": %d,\n", connected)
	fmt.Fprintf(&a.buf, "    \"Max clients\": %d,\n", broker.NumSlots)
	fmt.Fprintf(&a.buf, "    \"Total socketcand frames received from internet\": %d,\n", snap.TCPRx)
	fmt.Fprintf(&a.buf, "    \"Total socketcand frames sent to internet\": %d,\n", snap.TCPTx)
	fmt.Fprintf(&a.buf, "    \"Total invalid socketcand frames received\": %d,\n", snap.InvalidFrames)
	fmt.Fprintf(&a.buf, "    \"Total frames dropped by broker\": %d,\n", snap.HubDrops)
	fmt.Fprintf(&a.buf, "    \"Total client connections rejected\": %d\n", snap.HubRejects)
	a.buf.WriteString("  }")
}

func (a *Aggregator) writeCyphalStatus() {
	snap := metrics.Snap()
	a.buf.WriteString("{\n")
	fmt.Fprintf(&a.buf, "    \"Total heartbeats sent\": %d,\n", snap.HeartbeatsOut)
	fmt.Fprintf(&a.buf, "    \"Total heartbeats received\": %d\n", snap.HeartbeatsIn)
	a.buf.WriteString("  }")
}
