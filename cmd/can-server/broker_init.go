package main

import (
	"log/slog"

	"github.com/kstaniek/go-ampio-server/internal/broker"
)

func initBroker(l *slog.Logger) *broker.Broker {
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("broker_config", "slots", broker.NumSlots, "queue_capacity", broker.QueueCapacity)
	return broker.New()
}
