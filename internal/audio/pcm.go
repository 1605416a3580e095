package audio

import (
	"encoding/binary"
	"math"
)

// EncodeInt16 quantizes float samples to signed 16-bit integers using
// round(clamp(x, -1, 1) * 32767), rounding half away from zero.
// So 1.0 maps to 32767 and -1.0 maps to -32767; NaN maps to 0.
func EncodeInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, sample := range samples {
		out[i] = quantize(sample)
	}
	return out
}

func quantize(sample float32) int16 {
	x := float64(sample)
	if math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return int16(math.Round(x * 32767))
}

// PCM16LE encodes float samples as little-endian signed 16-bit PCM bytes.
func PCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(sample)))
	}
	return out
}

// DecodeFloat32LE converts little-endian float32 PCM bytes into samples.
// Trailing bytes that do not form a whole sample are returned as the remainder.
func DecodeFloat32LE(data []byte) (samples []float32, remainder []byte) {
	count := len(data) / 4
	samples = make([]float32, count)
	for i := 0; i < count; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, data[count*4:]
}
