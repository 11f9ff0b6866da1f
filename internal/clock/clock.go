// Package clock provides the monotonic "seconds.microseconds since start"
// timestamp pair socketcand frame lines carry, without touching the wall
// clock (time.Now is wall-clock and can jump; frame timestamps must not).
package clock

import "time"

var start = time.Now()

// Split returns the elapsed time since process start as whole seconds and
// the remaining microseconds, the pair EncodeFrame embeds in "< frame ... >".
func Split() (secs, usecs uint64) {
	el := time.Since(start)
	return uint64(el / time.Second), uint64((el % time.Second) / time.Microsecond)
}
