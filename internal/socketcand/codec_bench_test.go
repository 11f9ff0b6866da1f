package socketcand

import (
	"testing"

	"github.com/kstaniek/go-ampio-server/internal/can"
)

func BenchmarkDecodeSend(b *testing.B) {
	line := "< send 7FF 8 00 11 22 33 44 55 66 77 >"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeSend(line); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeFrame(b *testing.B) {
	fr := can.New(0x1ABCDEF, true, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	buf := make([]byte, 64)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeFrame(buf, fr, 12, 345678); err != nil {
			b.Fatal(err)
		}
	}
}
