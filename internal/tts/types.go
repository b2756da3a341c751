package tts

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// VoiceState is an opaque model context derived from a preset prompt or a
// reference clip. Cached states are shared, so callers receive clones.
type VoiceState interface {
	Clone() VoiceState
}

// Model is the neural TTS contract. Samples are normalized mono float32.
type Model interface {
	SampleRate() int
	SplitIntoBestSentences(text string) []string
	VoiceStateFromPrompt(path string) (VoiceState, error)
	VoiceStateFromAudio(path string) (VoiceState, error)
	Generate(ctx context.Context, text string, state VoiceState) ([]float32, error)
	GenerateStream(ctx context.Context, text string, state VoiceState) iter.Seq2[[]float32, error]
}

// SpeakRequest is one "read this text" request.
type SpeakRequest struct {
	VoiceID  string
	Preset   string
	Text     string
	MaxChars int
	Rate     float64
	Pitch    float64
	Volume   float64
	Source   string
}

// ChunkFunc receives each audio chunk in order. A non-nil error stops the job.
type ChunkFunc func(index int, pcm []int16, sampleRate int) error

// EndState is how a job that did not fail finished.
type EndState string

const (
	EndDone     EndState = "done"
	EndCanceled EndState = "canceled"
)

// Backend runs one job to completion. Implementations poll cancel at chunk
// and block boundaries and never report cancellation as an error.
type Backend interface {
	Name() string
	Run(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error)
}

const (
	MinRate = 0.25
	MaxRate = 4.0
)

// ClampRate limits a playback rate to [MinRate, MaxRate]. Non-positive rates
// mean unchanged.
func ClampRate(rate float64) float64 {
	if rate <= 0 || rate != rate {
		return 1.0
	}
	return max(MinRate, min(MaxRate, rate))
}

// CancelFlag is a one-way latch shared between a job's worker and whoever
// may cancel it.
type CancelFlag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCancelFlag() *CancelFlag {
	return &CancelFlag{done: make(chan struct{})}
}

func (c *CancelFlag) Set() {
	c.set.Store(true)
	c.once.Do(func() { close(c.done) })
}

func (c *CancelFlag) IsSet() bool {
	return c.set.Load()
}

// Done is closed once the flag is set.
func (c *CancelFlag) Done() <-chan struct{} {
	return c.done
}
