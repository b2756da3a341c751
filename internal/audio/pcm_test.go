package audio

import (
	"math"
	"testing"
)

func TestQuantizeRange(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 1.7, -3.2, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	for _, gain := range []float64{0, 0.25, 1, 1.5, 2, 5, -1} {
		out := Quantize(samples, gain)
		if len(out) != len(samples) {
			t.Fatalf("length mismatch")
		}
		for i, v := range out {
			if v < -32767 || v > 32767 {
				t.Fatalf("gain %v sample %d out of range: %d", gain, i, v)
			}
		}
	}
}

func TestQuantizeZeroGainIsSilent(t *testing.T) {
	out := Quantize([]float32{0.9, -0.9, 0.1}, 0)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %d, expected silence", i, v)
		}
	}
}

func TestQuantizeRounds(t *testing.T) {
	out := Quantize([]float32{0.5, -0.5, 1, -1}, 1)
	want := []int16{16384, -16384, 32767, -32767}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %d want %d", i, out[i], want[i])
		}
	}
	doubled := Quantize([]float32{0.75}, 2)
	if doubled[0] != 32767 {
		t.Fatalf("expected clamp after gain, got %d", doubled[0])
	}
}

func TestByteConversion(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	out := BytesToInt16(Int16ToBytes(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: %d != %d", i, in[i], out[i])
		}
	}
	if got := BytesToInt16([]byte{1, 0, 7}); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected odd trailing byte to be ignored, got %v", got)
	}
}
