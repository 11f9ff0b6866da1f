package socketcand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-ampio-server/internal/can"
)

// EncodeFrame renders a CAN frame as a "< frame <ID> <SECS>.<USECS> <HEX>... >"
// line into out, returning the number of bytes written. secs/usecs are
// supplied by the caller (a monotonic timestamp split into whole seconds and
// microseconds); the codec never touches the clock itself.
func EncodeFrame(out []byte, f can.Frame, secs, usecs uint64) (int, error) {
	if f.Len > 8 {
		return 0, ErrInvalidLength
	}
	var b strings.Builder
	b.Grow(16 + int(f.Len)*2)
	fmt.Fprintf(&b, "< frame %X %d.%d ", f.ID(), secs, usecs)
	for i := 0; i < int(f.Len); i++ {
		fmt.Fprintf(&b, "%02X", f.Data[i])
	}
	b.WriteString(" >")
	s := b.String()
	if len(out) < len(s) {
		return 0, ErrTooLarge
	}
	return copy(out, s), nil
}

// EncodeFrameString is a convenience wrapper returning a freshly allocated string.
func EncodeFrameString(f can.Frame, secs, usecs uint64) (string, error) {
	buf := make([]byte, 16+int(f.Len)*2+8)
	n, err := EncodeFrame(buf, f, secs, usecs)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// EncodeSend renders a CAN frame as a "< send <ID> <DLC> <B0>... >" line.
// Production code never needs this direction (the adapter only ever emits
// "< frame ... >" lines); it exists so tests can exercise the
// decode_send(encode_send(frame)) round-trip property.
func EncodeSend(f can.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "< send %X %d", f.ID(), f.Len)
	for i := 0; i < int(f.Len); i++ {
		fmt.Fprintf(&b, " %02X", f.Data[i])
	}
	b.WriteString(" >")
	return b.String()
}

// DecodeSend parses "< send <ID_HEX> <DLC> <B0_HEX> ... >" into a frame.
// Any deviation from the exact grammar fails with ErrInvalidSyntax; the
// parser never reads past the terminating '>'.
func DecodeSend(text string) (can.Frame, error) {
	fields := strings.Fields(text)
	if len(fields) < 4 {
		return can.Frame{}, ErrInvalidSyntax
	}
	if fields[0] != "<" || fields[1] != "send" || fields[len(fields)-1] != ">" {
		return can.Frame{}, ErrInvalidSyntax
	}
	idHex := fields[2]
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return can.Frame{}, ErrInvalidSyntax
	}
	dlc, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil || dlc > 8 {
		return can.Frame{}, ErrInvalidSyntax
	}
	dataFields := fields[4 : len(fields)-1]
	if len(dataFields) != int(dlc) {
		return can.Frame{}, ErrInvalidSyntax
	}
	data := make([]byte, dlc)
	for i, tok := range dataFields {
		if len(tok) == 0 || len(tok) > 2 {
			return can.Frame{}, ErrInvalidSyntax
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return can.Frame{}, ErrInvalidSyntax
		}
		data[i] = byte(v)
	}
	extended := id > can.CAN_SFF_MASK || len(idHex) > 3
	return can.New(uint32(id), extended, data), nil
}
