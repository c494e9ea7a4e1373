// Package audio implements the PCM sample math used by the mixing cycle.
//
// All buffers are little-endian 16-bit signed PCM. Mixing widens samples to
// int32 before summing so intermediate values cannot overflow, applies the
// amplification gain, and hard-clips back into the 16-bit range.
package audio

import "encoding/binary"

const (
	sampleMax = 32767
	sampleMin = -32768
)

// Silence returns n bytes of PCM silence.
func Silence(n int) []byte {
	return make([]byte, n)
}

// Sum produces the sample-wise widened sum over all buffers. The result has
// length/2 entries where length is the longest buffer; shorter buffers
// contribute silence past their end.
func Sum(buffers [][]byte) []int32 {
	var longest int
	for _, b := range buffers {
		if len(b) > longest {
			longest = len(b)
		}
	}
	sum := make([]int32, longest/2)
	for _, b := range buffers {
		for i := 0; i+1 < len(b); i += 2 {
			sum[i/2] += int32(int16(binary.LittleEndian.Uint16(b[i:])))
		}
	}
	return sum
}

// Render amplifies the widened sum by gain and clips it into 16-bit PCM.
func Render(sum []int32, gain int) []byte {
	out := make([]byte, len(sum)*2)
	for i, v := range sum {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip(v*int32(gain))))
	}
	return out
}

// RenderWithout is Render with one participant's own samples removed from
// the sum first, so nobody hears their own voice echoed back.
func RenderWithout(sum []int32, own []byte, gain int) []byte {
	out := make([]byte, len(sum)*2)
	for i, v := range sum {
		if i*2+1 < len(own) {
			v -= int32(int16(binary.LittleEndian.Uint16(own[i*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip(v*int32(gain))))
	}
	return out
}

// clip saturates at the 16-bit boundaries, never wraps.
func clip(v int32) int16 {
	if v > sampleMax {
		return sampleMax
	}
	if v < sampleMin {
		return sampleMin
	}
	return int16(v)
}
