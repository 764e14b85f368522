package animator

import (
	"encoding/binary"
	"math"
)

// WriteZeroPose fills frameBytes bytes at region[offset:] with the
// well-defined zero pose: consecutive identity 4x4 float32 matrices,
// little-endian. Trailing bytes of a frame size that is not a multiple of
// one matrix are zeroed.
//
// The engine falls back to this when an animator panics on the hot path, so
// clients always receive a valid frame.
func WriteZeroPose(region []byte, offset, frameBytes int) {
	one := math.Float32bits(1)

	buf := region[offset : offset+frameBytes]
	for i := range buf {
		buf[i] = 0
	}
	for base := 0; base+64 <= frameBytes; base += 64 {
		// diagonal cells 0, 5, 10, 15
		binary.LittleEndian.PutUint32(buf[base:], one)
		binary.LittleEndian.PutUint32(buf[base+5*4:], one)
		binary.LittleEndian.PutUint32(buf[base+10*4:], one)
		binary.LittleEndian.PutUint32(buf[base+15*4:], one)
	}
}
