// Package bus supervises the health of the underlying CAN controller: it
// polls for bus-off / stopped conditions and drives recovery so the broker
// above is always fed by a self-healing source.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-ampio-server/internal/logging"
	"github.com/kstaniek/go-ampio-server/internal/metrics"
	"github.com/kstaniek/go-ampio-server/internal/socketcan"
)

// Controller is the subset of CAN interface management the supervisor
// drives. *socketcan.Controller implements it on Linux.
type Controller interface {
	State() (socketcan.BusState, error)
	Recover() error
	StartController() error
}

// Supervisor polls a Controller on an interval and reacts to BusOff/Stopped
// transitions. It never exits on its own; Run blocks until ctx is done.
type Supervisor struct {
	ctrl     Controller
	interval time.Duration
	logger   *slog.Logger

	// newBackOff is overridable in tests to avoid slow real backoff timers.
	newBackOff func() backoff.BackOff
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithInterval overrides the poll interval (default 5s).
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger overrides the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

const defaultPollInterval = 5 * time.Second

// New builds a Supervisor for the given controller.
func New(ctrl Controller, opts ...Option) *Supervisor {
	s := &Supervisor{
		ctrl:     ctrl,
		interval: defaultPollInterval,
		logger:   logging.L(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // retry forever; the supervisor itself never gives up
			return b
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run polls the controller every interval until ctx is cancelled. BusOff and
// Stopped are treated as recoverable: recovery is retried with exponential
// backoff until the recovery call succeeds or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	last := socketcan.BusStateUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			state, err := s.ctrl.State()
			if err != nil {
				s.logger.Debug("bus_state_query_failed", "error", err)
				continue
			}
			if state != last {
				s.logger.Info("bus_state_changed", "from", last, "to", state)
				last = state
			}
			switch state {
			case socketcan.BusStateBusOff:
				metrics.IncBusOff()
				s.recoverWithBackoff(ctx, s.ctrl.Recover)
			case socketcan.BusStateStopped:
				s.recoverWithBackoff(ctx, s.ctrl.StartController)
			}
		}
	}
}

// recoverWithBackoff retries op with exponential backoff until it succeeds
// or ctx is cancelled, then counts the recovery.
func (s *Supervisor) recoverWithBackoff(ctx context.Context, op func() error) {
	b := backoff.WithContext(s.newBackOff(), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := op(); err != nil {
			s.logger.Warn("bus_recovery_attempt_failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, b)
	if err != nil {
		s.logger.Debug("bus_recovery_abandoned", "error", err, "reason", ctx.Err())
		return
	}
	metrics.IncBusRecovery()
	s.logger.Info("bus_recovered", "attempts", attempt)
}
