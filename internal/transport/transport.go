package transport

import "github.com/kstaniek/go-ampio-server/internal/can"

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}
