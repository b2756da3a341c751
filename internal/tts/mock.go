package tts

import (
	"context"
	"hash/fnv"
	"iter"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/voicereader/internal/chunking"
)

// mockModel renders a short tone per word. It needs no model assets, which
// makes it the default for development and tests of the delivery path.
type mockModel struct {
	sampleRate    int
	samplesPerRun int
}

type mockVoice struct {
	freq float64
}

func (v mockVoice) Clone() VoiceState { return v }

func NewMockModel(sampleRate int) Model {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockModel{sampleRate: sampleRate, samplesPerRun: sampleRate / 50}
}

func (m *mockModel) SampleRate() int { return m.sampleRate }

func (m *mockModel) SplitIntoBestSentences(text string) []string {
	return chunking.SplitSentences(text)
}

func (m *mockModel) VoiceStateFromPrompt(path string) (VoiceState, error) {
	return voiceFromKey("prompt:" + path), nil
}

func (m *mockModel) VoiceStateFromAudio(path string) (VoiceState, error) {
	return voiceFromKey("audio:" + path), nil
}

func voiceFromKey(key string) mockVoice {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return mockVoice{freq: 180 + float64(h.Sum32()%160)}
}

func (m *mockModel) Generate(ctx context.Context, text string, state VoiceState) ([]float32, error) {
	var out []float32
	for block, err := range m.GenerateStream(ctx, text, state) {
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func (m *mockModel) GenerateStream(ctx context.Context, text string, state VoiceState) iter.Seq2[[]float32, error] {
	voice, ok := state.(mockVoice)
	if !ok {
		voice = voiceFromKey("default")
	}
	return func(yield func([]float32, error) bool) {
		for _, word := range strings.Fields(text) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			n := m.samplesPerRun * max(1, utf8.RuneCountInString(word))
			block := make([]float32, n)
			for i := range block {
				t := float64(i) / float64(m.sampleRate)
				block[i] = float32(0.4 * math.Sin(2*math.Pi*voice.freq*t))
			}
			if !yield(block, nil) {
				return
			}
		}
	}
}
