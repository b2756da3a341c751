package audio

import (
	"math"
)

const (
	MinGain = 0.0
	MaxGain = 2.0
)

// ClampGain limits a volume factor to [MinGain, MaxGain]. NaN maps to 1.
func ClampGain(gain float64) float64 {
	if math.IsNaN(gain) {
		return 1
	}
	return math.Max(MinGain, math.Min(MaxGain, gain))
}

// Quantize scales model output by gain, hard-clamps it to [-1, 1] and converts
// it to 16-bit PCM with round(sample * 32767).
func Quantize(in []float32, gain float64) []int16 {
	gain = ClampGain(gain)
	out := make([]int16, len(in))
	for i, s := range in {
		v := float64(s) * gain
		if math.IsNaN(v) {
			continue
		}
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		out[i] = int16(math.Round(v * math.MaxInt16))
	}
	return out
}

// BytesToInt16 decodes little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
