package main

import (
	"testing"
	"time"
)

func baseValidConfig() *appConfig {
	return &appConfig{
		serialDev:       "/dev/null",
		baud:            115200,
		listenAddr:      ":20000",
		serialReadTO:    10 * time.Millisecond,
		logFormat:       "text",
		logLevel:        "info",
		backend:         "serial",
		canIf:           "can0",
		handshakeTO:     time.Second,
		clientReadTO:    time.Second,
		busPollInterval: 5 * time.Second,
		cyphalInterval:  time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseValidConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badBusPollInterval", func(c *appConfig) { c.busPollInterval = 0 }},
		{"badCyphalNodeID", func(c *appConfig) { c.cyphalEnable = true; c.cyphalNodeID = 200 }},
		{"badCyphalInterval", func(c *appConfig) { c.cyphalEnable = true; c.cyphalInterval = 0 }},
	}
	for _, tc := range tests {
		base := baseValidConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
