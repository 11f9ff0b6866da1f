package session

import "errors"

// Sentinel errors used for wrapping so callers/metrics can classify via errors.Is.
var (
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrConnRead          = errors.New("session: conn_read")
	ErrConnWrite         = errors.New("session: conn_write")
	ErrContext           = errors.New("session: context_cancelled")
)
