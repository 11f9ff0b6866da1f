package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	serialDev       string
	baud            int
	listenAddr      string
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	backend         string
	canIf           string
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	busPollInterval time.Duration

	httpAddr     string
	settingsPath string

	discoveryEnable bool
	discoveryPort   int

	cyphalEnable   bool
	cyphalNodeID   int
	cyphalInterval time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	listen := flag.String("listen", ":20000", "TCP listen address (socketcand)")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	backend := flag.String("backend", "socketcan", "CAN backend: serial|socketcan (default socketcan)")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement (packaged systemd unit enables by default)")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-server-<hostname>)")
	busPollInterval := flag.Duration("bus-poll-interval", 5*time.Second, "How often to poll the CAN controller's error state for bus-off recovery")
	httpAddr := flag.String("http-addr", "", "Management HTTP listen address (e.g., :8080); empty disables /api/status and /api/config")
	settingsPath := flag.String("settings-file", "/var/lib/can-server/settings.json", "Path to the persisted device settings file")
	discoveryEnable := flag.Bool("discovery-enable", false, "Broadcast a CANBeacon UDP advertisement every 2s")
	discoveryPort := flag.Int("discovery-port", 0, "CAN port advertised in the CANBeacon document; 0 advertises the TCP listener's actual bound port")
	cyphalEnable := flag.Bool("cyphal-enable", false, "Publish a Cyphal/CAN heartbeat on the bus")
	cyphalNodeID := flag.Int("cyphal-node-id", 0, "Cyphal node id (0-127)")
	cyphalInterval := flag.Duration("cyphal-heartbeat-interval", time.Second, "Interval between published Cyphal heartbeats")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.listenAddr = *listen
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.busPollInterval = *busPollInterval
	cfg.httpAddr = *httpAddr
	cfg.settingsPath = *settingsPath
	cfg.discoveryEnable = *discoveryEnable
	cfg.discoveryPort = *discoveryPort
	cfg.cyphalEnable = *cyphalEnable
	cfg.cyphalNodeID = *cyphalNodeID
	cfg.cyphalInterval = *cyphalInterval

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.busPollInterval <= 0 {
		return fmt.Errorf("bus-poll-interval must be > 0")
	}
	if c.cyphalEnable {
		if c.cyphalNodeID < 0 || c.cyphalNodeID > 127 {
			return fmt.Errorf("cyphal-node-id must be in 0..127 (got %d)", c.cyphalNodeID)
		}
		if c.cyphalInterval <= 0 {
			return fmt.Errorf("cyphal-heartbeat-interval must be > 0")
		}
	}
	return nil
}

// applyEnvOverrides maps CAN_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAN_SERVER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_SERVER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_BAUD: %w", err))
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CAN_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAN_SERVER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_SERIAL_READ_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_SERVER_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_SERVER_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CAN_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_HANDSHAKE_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CAN_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_CLIENT_READ_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_LOG_METRICS_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["bus-poll-interval"]; !ok {
		if v, ok := get("CAN_SERVER_BUS_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.busPollInterval = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_BUS_POLL_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["http-addr"]; !ok {
		if v, ok := get("CAN_SERVER_HTTP_ADDR"); ok {
			c.httpAddr = v
		}
	}
	if _, ok := set["settings-file"]; !ok {
		if v, ok := get("CAN_SERVER_SETTINGS_FILE"); ok && v != "" {
			c.settingsPath = v
		}
	}
	if _, ok := set["discovery-enable"]; !ok {
		if v, ok := get("CAN_SERVER_DISCOVERY_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.discoveryEnable = true
			case "0", "false", "no", "off":
				c.discoveryEnable = false
			}
		}
	}
	if _, ok := set["discovery-port"]; !ok {
		if v, ok := get("CAN_SERVER_DISCOVERY_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.discoveryPort = n
			} else {
				setErr(fmt.Errorf("invalid CAN_SERVER_DISCOVERY_PORT: %w", err))
			}
		}
	}
	if _, ok := set["cyphal-enable"]; !ok {
		if v, ok := get("CAN_SERVER_CYPHAL_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.cyphalEnable = true
			case "0", "false", "no", "off":
				c.cyphalEnable = false
			}
		}
	}
	if _, ok := set["cyphal-node-id"]; !ok {
		if v, ok := get("CAN_SERVER_CYPHAL_NODE_ID"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.cyphalNodeID = n
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_CYPHAL_NODE_ID: %w", err))
			}
		}
	}
	if _, ok := set["cyphal-heartbeat-interval"]; !ok {
		if v, ok := get("CAN_SERVER_CYPHAL_HEARTBEAT_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.cyphalInterval = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid CAN_SERVER_CYPHAL_HEARTBEAT_INTERVAL: %w", err))
			}
		}
	}
	return firstErr
}
