package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-ampio-server/internal/bus"
	"github.com/kstaniek/go-ampio-server/internal/config"
	"github.com/kstaniek/go-ampio-server/internal/cyphal"
	"github.com/kstaniek/go-ampio-server/internal/discovery"
	"github.com/kstaniek/go-ampio-server/internal/httpapi"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
	"github.com/kstaniek/go-ampio-server/internal/server"
	"github.com/kstaniek/go-ampio-server/internal/socketcan"
	"github.com/kstaniek/go-ampio-server/internal/status"
)

// Helper implementations moved to dedicated files: version.go, config.go, logger.go, broker_init.go, metrics_logger.go, backend.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	br := initBroker(l)
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sendFunc, cleanup, berr := initBackend(ctx, cfg, br, l, &wg)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return
	}

	var busCtrl *socketcan.Controller
	if cfg.backend == "socketcan" {
		busCtrl = socketcan.NewController(cfg.canIf)
		sup := bus.New(busCtrl, bus.WithInterval(cfg.busPollInterval), bus.WithLogger(l.With("component", "bus_supervisor")))
		wg.Add(1)
		go func() { defer wg.Done(); sup.Run(ctx) }()
	}

	if cfg.cyphalEnable {
		client, err := cyphal.NewClient(uint8(cfg.cyphalNodeID), br, sendFunc,
			cyphal.WithInterval(cfg.cyphalInterval),
			cyphal.WithLogger(l.With("component", "cyphal")),
			cyphal.WithOnHeartbeat(func(nodeID uint8, hb cyphal.Heartbeat) {
				l.Debug("cyphal_heartbeat_received", "node_id", nodeID, "uptime", hb.UptimeSeconds, "health", hb.Health, "mode", hb.Mode)
			}))
		if err != nil {
			l.Warn("cyphal_client_init_failed", "error", err)
		} else {
			wg.Add(1)
			go func() { defer wg.Done(); client.Run(ctx) }()
		}
	}

	srv := server.NewServer(
		server.WithBroker(br),
		server.WithSend(sendFunc),
		server.WithLogger(l),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := listenerPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Start the CANBeacon UDP discovery broadcast once the listener is ready.
	go func() {
		if !cfg.discoveryEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := cfg.discoveryPort
		if port == 0 {
			port = listenerPort(srv.Addr())
		}
		b := discovery.New(port, discovery.WithBusName(cfg.canIf), discovery.WithLogger(l.With("component", "discovery")))
		wg.Add(1)
		go func() { defer wg.Done(); b.Run(ctx) }()
	}()

	// Start the management HTTP API (status + config) if enabled.
	if cfg.httpAddr != "" {
		statusOpts := []status.Option{}
		if busCtrl != nil {
			statusOpts = append(statusOpts, status.WithBusController(busCtrl))
		}
		aggregator := status.New(br, start, statusOpts...)
		store := config.NewStore(cfg.settingsPath)
		api := httpapi.New(aggregator, store,
			httpapi.WithLogger(l.With("component", "httpapi")),
			httpapi.WithRestartFunc(func() {
				l.Info("config_updated_restart_requested")
				cancel()
			}))
		httpSrv := &http.Server{Addr: cfg.httpAddr, Handler: api.Handler()}
		go func() {
			l.Info("httpapi_listen", "addr", cfg.httpAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("httpapi_error", "error", err)
			}
		}()
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	cleanup()
	wg.Wait()
}

// listenerPort extracts the numeric port from a bound "host:port" address,
// falling back to 0 if the address doesn't parse (e.g. still unbound).
func listenerPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
			return pn
		}
	}
	return 0
}
