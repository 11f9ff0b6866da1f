// Package socketcand implements the text wire protocol spoken by Linux
// socketcand in rawmode: the handshake, the frame codec, and a framed line
// reader over a byte-stream socket.
package socketcand

import "errors"

// Sentinel errors, classified per the taxonomy: callers use errors.Is.
var (
	// ErrInvalidSyntax is returned when a "< send ... >" line is malformed.
	ErrInvalidSyntax = errors.New("socketcand: invalid syntax")
	// ErrInvalidLength is returned when a frame's DLC exceeds 8.
	ErrInvalidLength = errors.New("socketcand: invalid length")
	// ErrTooLarge is returned when the destination buffer cannot hold the
	// encoded result.
	ErrTooLarge = errors.New("socketcand: buffer too small for encoded frame")
	// ErrBufferTooSmall is returned by RawmodeStep when the caller's response
	// buffer is under MinResponseBufferSize.
	ErrBufferTooSmall = errors.New("socketcand: response buffer too small")
	// ErrDisconnected is returned by the line reader on EOF or a hard network error.
	ErrDisconnected = errors.New("socketcand: disconnected")
	// ErrFrameTooLarge is returned by the line reader when a frame overflows
	// the output buffer; the reader is poisoned afterwards.
	ErrFrameTooLarge = errors.New("socketcand: frame too large")
	// ErrDesync is returned when the first byte copied for a new frame is not '<'.
	ErrDesync = errors.New("socketcand: desynchronized stream")
)
