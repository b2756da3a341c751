package audio

import "math"

// RateEpsilon is the distance from 1.0 below which a playback rate is treated
// as unchanged.
const RateEpsilon = 1e-3

// IsUnityRate reports whether rate needs no re-timing.
func IsUnityRate(rate float64) bool {
	return math.Abs(rate-1.0) <= RateEpsilon
}

// Resample changes the playback rate by linear interpolation. The output has
// round(len(in)/rate) samples. Pitch moves with the rate, so this is only the
// fallback when no tempo process is available.
func Resample(in []int16, rate float64) []int16 {
	if IsUnityRate(rate) || rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	n := int(math.Round(float64(len(in)) / rate))
	out := make([]int16, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * rate
		lo := int(math.Floor(pos))
		hi := lo + 1
		if lo > last {
			lo = last
		}
		if hi > last {
			hi = last
		}
		frac := pos - math.Floor(pos)
		v := float64(in[lo]) + (float64(in[hi])-float64(in[lo]))*frac
		out[i] = clampInt16(math.Round(v))
	}
	return out
}
