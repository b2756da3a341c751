package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a reference clip is not a readable WAV file.
var ErrInvalidWAV = errors.New("invalid wav file")

// WAVInfo describes a decoded WAV header.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// WriteWAV encodes mono 16-bit PCM at sampleRate.
func WriteWAV(w io.WriteSeeker, pcm []int16, sampleRate int) error {
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// InspectWAV validates r as a WAV stream and reads its format.
func InspectWAV(r io.ReadSeeker) (WAVInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return WAVInfo{}, ErrInvalidWAV
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WAVInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	dur, err := dec.Duration()
	if err != nil {
		return WAVInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Duration:   dur,
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return WAVInfo{}, fmt.Errorf("%w: missing format chunk", ErrInvalidWAV)
	}
	return info, nil
}
