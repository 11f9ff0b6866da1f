package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseValidConfig()

	os.Setenv("CAN_SERVER_BAUD", "230400")
	os.Setenv("CAN_SERVER_MDNS_ENABLE", "true")
	os.Setenv("CAN_SERVER_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("CAN_SERVER_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("CAN_SERVER_CYPHAL_NODE_ID", "12")
	os.Setenv("CAN_SERVER_DISCOVERY_PORT", "9999")
	t.Cleanup(func() {
		os.Unsetenv("CAN_SERVER_BAUD")
		os.Unsetenv("CAN_SERVER_MDNS_ENABLE")
		os.Unsetenv("CAN_SERVER_SERIAL_READ_TIMEOUT")
		os.Unsetenv("CAN_SERVER_LOG_METRICS_INTERVAL")
		os.Unsetenv("CAN_SERVER_CYPHAL_NODE_ID")
		os.Unsetenv("CAN_SERVER_DISCOVERY_PORT")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.cyphalNodeID != 12 {
		t.Fatalf("expected cyphalNodeID 12 got %d", base.cyphalNodeID)
	}
	if base.discoveryPort != 9999 {
		t.Fatalf("expected discoveryPort 9999 got %d", base.discoveryPort)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseValidConfig()
	base.baud = 115200
	os.Setenv("CAN_SERVER_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CAN_SERVER_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := baseValidConfig()
	os.Setenv("CAN_SERVER_CYPHAL_NODE_ID", "notint")
	t.Cleanup(func() { os.Unsetenv("CAN_SERVER_CYPHAL_NODE_ID") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
