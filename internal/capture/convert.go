package capture

import (
	"encoding/binary"
	"math"
)

// bytesToFloat32 decodes little-endian IEEE 754 samples from the hardware
// callback into dst. It returns the number of samples decoded, bounded by
// both the source bytes and the destination capacity.
func bytesToFloat32(src []byte, dst []float32) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return n
}

// Float32ToBytes encodes samples as little-endian IEEE 754 into dst, which
// must hold 4 bytes per sample. Used by the playback path.
func Float32ToBytes(src []float32, dst []byte) int {
	n := len(src)
	if n > len(dst)/4 {
		n = len(dst) / 4
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(src[i]))
	}
	return n
}
