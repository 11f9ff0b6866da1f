//go:build linux

package socketcan

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sys/unix"
)

// BusState is the coarse CAN controller error state reported by the kernel,
// as surfaced by "ip -details link show".
type BusState int

const (
	BusStateUnknown BusState = iota
	BusStateErrorActive
	BusStateErrorWarning
	BusStateErrorPassive
	BusStateBusOff
	BusStateStopped
)

func (s BusState) String() string {
	switch s {
	case BusStateErrorActive:
		return "error-active"
	case BusStateErrorWarning:
		return "error-warning"
	case BusStateErrorPassive:
		return "error-passive"
	case BusStateBusOff:
		return "bus-off"
	case BusStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Controller exposes the subset of Linux CAN interface management the bus
// supervisor needs: reading the current error state and forcing recovery
// after bus-off.
type Controller struct {
	iface string
}

// NewController builds a Controller bound to the named CAN interface.
func NewController(iface string) *Controller { return &Controller{iface: iface} }

// State queries the kernel's current bus-error state for the interface.
// The classic-CAN error-state detail (error-active/warning/passive/bus-off)
// is only exposed via the CAN netlink attributes "ip -details" decodes, not
// through a plain ioctl, so state reads still shell out; the actual
// recovery actions below go through IFF_UP ioctls instead.
func (c *Controller) State() (BusState, error) {
	out, err := exec.Command("ip", "-details", "link", "show", "dev", c.iface).CombinedOutput()
	if err != nil {
		return BusStateUnknown, fmt.Errorf("ip link show %s: %w", c.iface, err)
	}
	text := strings.ToLower(string(out))
	switch {
	case strings.Contains(text, "bus-off"):
		return BusStateBusOff, nil
	case strings.Contains(text, "error-passive"):
		return BusStateErrorPassive, nil
	case strings.Contains(text, "error-warning"):
		return BusStateErrorWarning, nil
	case strings.Contains(text, "error-active"):
		return BusStateErrorActive, nil
	case strings.Contains(text, "state down") && !strings.Contains(text, "<up,"):
		return BusStateStopped, nil
	default:
		return BusStateErrorActive, nil
	}
}

// ifUp toggles IFF_UP on the interface via SIOCGIFFLAGS/SIOCSIFFLAGS, the
// same ioctl pair notnil-canbus's interface helpers use, routed through
// golang.org/x/sys/unix's typed Ifreq wrapper instead of a raw syscall.
func ifUp(name string, up bool) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("socket(AF_INET): %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
	}
	flags := ifr.Uint16()
	if up {
		flags |= unix.IFF_UP
	} else {
		flags &^= unix.IFF_UP
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS %s: %w", name, err)
	}
	return nil
}

// StartController brings a stopped interface back up so the supervisor can
// reinitiate a controller that was administratively stopped.
func (c *Controller) StartController() error {
	return ifUp(c.iface, true)
}

// Recover brings the interface down and back up, the standard Linux
// procedure to clear a bus-off latch and re-enter error-active state.
func (c *Controller) Recover() error {
	if err := ifUp(c.iface, false); err != nil {
		return err
	}
	return ifUp(c.iface, true)
}

// Stats holds the CAN controller's error and traffic counters, as reported
// in the management status document.
type Stats struct {
	QueuedTX        uint64 // frames dropped while queued for transmit
	WaitingRX       uint64 // RX FIFO overflows while a frame waited to be read
	TXErrorCounter  uint64 // controller's internal TX error counter (berr-counter tx)
	RXErrorCounter  uint64 // controller's internal RX error counter (berr-counter rx)
	FailedTX        uint64 // frames that failed transmission
	MissedRX        uint64 // frames dropped on receive
	Overrun         uint64 // receive buffer overruns
	ArbitrationLost uint64 // times this controller lost arbitration
	BusErrors       uint64 // bus errors detected by the controller
}

// Stats reads the interface's traffic counters from sysfs and its
// CAN-specific error counters (berr-counter, bus-errors, arbit-lost) from
// "ip -details -statistics link show", the same command State already
// shells out to for error-state text since the kernel only exposes those
// via CAN netlink attributes, not sysfs.
func (c *Controller) Stats() (Stats, error) {
	var st Stats
	st.QueuedTX = sysfsCounter(c.iface, "tx_dropped")
	st.WaitingRX = sysfsCounter(c.iface, "rx_fifo_errors")
	st.FailedTX = sysfsCounter(c.iface, "tx_errors")
	st.MissedRX = sysfsCounter(c.iface, "rx_dropped")
	st.Overrun = sysfsCounter(c.iface, "rx_over_errors")

	out, err := exec.Command("ip", "-details", "-statistics", "link", "show", "dev", c.iface).CombinedOutput()
	if err != nil {
		return st, fmt.Errorf("ip -details -statistics link show %s: %w", c.iface, err)
	}
	parseCANDeviceStats(string(out), &st)
	return st, nil
}

func sysfsCounter(iface, name string) uint64 {
	b, err := os.ReadFile(filepath.Join("/sys/class/net", iface, "statistics", name))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	return n
}

// parseCANDeviceStats pulls the berr-counter and the re-started/bus-errors/
// arbit-lost table out of "ip -details -statistics link show" output, the
// only place the kernel surfaces these CAN-specific counters as text.
func parseCANDeviceStats(text string, st *Stats) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(trimmed, "berr-counter"):
			st.TXErrorCounter, st.RXErrorCounter = parseBerrCounter(strings.Fields(trimmed))
		case strings.HasPrefix(trimmed, "re-started"):
			if i+1 < len(lines) {
				header := strings.Fields(trimmed)
				values := strings.Fields(lines[i+1])
				st.BusErrors = valueAt(header, values, "bus-errors")
				st.ArbitrationLost = valueAt(header, values, "arbit-lost")
			}
		}
	}
}

func parseBerrCounter(fields []string) (tx, rx uint64) {
	for i, f := range fields {
		if f == "tx" && i+1 < len(fields) {
			tx = parseUintTrim(fields[i+1])
		}
		if f == "rx" && i+1 < len(fields) {
			rx = parseUintTrim(fields[i+1])
		}
	}
	return tx, rx
}

func valueAt(header, values []string, name string) uint64 {
	for i, h := range header {
		if h == name && i < len(values) {
			return parseUintTrim(values[i])
		}
	}
	return 0
}

func parseUintTrim(s string) uint64 {
	s = strings.TrimFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
