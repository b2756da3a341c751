package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/voicereader/internal/audio"
	"github.com/loqalabs/voicereader/internal/chunking"
	"github.com/loqalabs/voicereader/internal/voices"
)

// VoiceResolver maps a voice id and preset to the source of its state.
type VoiceResolver interface {
	Resolve(voiceID, preset string) (voices.Source, error)
}

type TempoOptions struct {
	Enabled      bool
	SoxPath      string
	ExtraArgs    []string
	FrameSamples int
}

type EngineOptions struct {
	Model         Model
	Voices        VoiceResolver
	Tempo         TempoOptions
	DefaultPreset string
}

// Engine runs the model in-process. It owns the voice-state cache and drives
// segmentation, inference, gain and re-timing for one job at a time.
type Engine struct {
	model         Model
	voices        VoiceResolver
	tempo         TempoOptions
	soxPath       string
	defaultPreset string
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string]VoiceState
}

var errStopped = errors.New("job stopped")

func NewEngine(opts EngineOptions, logger *slog.Logger) *Engine {
	e := &Engine{
		model:         opts.Model,
		voices:        opts.Voices,
		tempo:         opts.Tempo,
		defaultPreset: opts.DefaultPreset,
		logger:        logger.With(slog.String("component", "tts-engine")),
		cache:         make(map[string]VoiceState),
	}
	if opts.Tempo.Enabled {
		path, err := audio.LocateSox(opts.Tempo.SoxPath)
		if err != nil {
			e.logger.Warn("tempo process unavailable, rate changes will resample", slogError(err))
		} else {
			e.soxPath = path
			e.logger.Info("tempo process located", slog.String("path", path))
		}
	}
	return e
}

func (e *Engine) Name() string { return "embedded" }

func (e *Engine) SampleRate() int { return e.model.SampleRate() }

// TempoAvailable reports whether rate changes keep pitch.
func (e *Engine) TempoAvailable() bool { return e.soxPath != "" }

// Split exposes the segmentation used for a request.
func (e *Engine) Split(text string, maxChars int) []string {
	return chunking.Segment(text, maxChars, e.model.SplitIntoBestSentences)
}

// Warmup loads the default preset and runs one short inference so the first
// real request does not pay for cold caches.
func (e *Engine) Warmup(ctx context.Context) error {
	state, err := e.voiceState(voices.DefaultVoiceID, e.defaultPreset)
	if err != nil {
		return fmt.Errorf("load default preset %q: %w", e.defaultPreset, err)
	}
	if _, err := e.model.Generate(ctx, "Warmup.", state); err != nil {
		e.logger.Warn("warmup generate failed", slogError(err))
	}
	return nil
}

// EvictVoice drops the cached state of a deleted voice.
func (e *Engine) EvictVoice(voiceID string) {
	e.mu.Lock()
	delete(e.cache, voices.VoiceCacheKey(voiceID))
	e.mu.Unlock()
}

func (e *Engine) voiceState(voiceID, preset string) (VoiceState, error) {
	if strings.TrimSpace(preset) == "" {
		preset = e.defaultPreset
	}
	src, err := e.voices.Resolve(voiceID, preset)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	cached, ok := e.cache[src.CacheKey]
	e.mu.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	// Loading runs outside the lock; a concurrent loader of the same key wins
	// the insert and this result is dropped.
	var state VoiceState
	switch src.Kind {
	case voices.SourcePreset:
		state, err = e.model.VoiceStateFromPrompt(src.Path)
	default:
		state, err = e.model.VoiceStateFromAudio(src.Path)
	}
	if err != nil {
		if errors.Is(err, ErrVoiceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load voice state %s: %v", ErrModelFailure, src.CacheKey, err)
	}

	e.mu.Lock()
	if existing, ok := e.cache[src.CacheKey]; ok {
		state = existing
	} else {
		e.cache[src.CacheKey] = state
	}
	e.mu.Unlock()
	return state.Clone(), nil
}

// Run implements Backend.
func (e *Engine) Run(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error) {
	return e.StreamSynthesize(ctx, req, cancel, emit)
}

// StreamSynthesize reads req.Text aloud chunk by chunk, calling emit with
// consecutive indices from 0. Cancellation, through the flag or ctx, is
// polled between chunks and around every model block and is reported as
// EndCanceled.
func (e *Engine) StreamSynthesize(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error) {
	p := &pipeline{ctx: ctx, cancel: cancel, emit: emit, sampleRate: e.model.SampleRate()}
	if p.stopped() {
		return EndCanceled, nil
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyText
	}

	state, err := e.voiceState(req.VoiceID, req.Preset)
	if err != nil {
		return "", err
	}
	chunks := e.Split(req.Text, req.MaxChars)
	gain := audio.ClampGain(req.Volume)
	rate := ClampRate(req.Rate)
	unity := audio.IsUnityRate(rate)

	var adj *audio.Adjuster
	if !unity {
		adj = e.startAdjuster(rate)
	}
	abort := func() {
		if adj != nil {
			adj.Abort()
			adj = nil
		}
	}

	for _, text := range chunks {
		if p.stopped() {
			abort()
			return EndCanceled, nil
		}
		if unity {
			err = p.streamChunk(e.model, text, state, gain)
		} else {
			err = p.blockChunk(e.model, text, state, gain, rate, adj)
		}
		if err != nil {
			abort()
			if errors.Is(err, errStopped) {
				return EndCanceled, nil
			}
			return "", err
		}
	}

	if adj != nil {
		if p.stopped() {
			abort()
			return EndCanceled, nil
		}
		frames, err := adj.FinishAndDrain()
		if err != nil {
			return "", err
		}
		for _, frame := range frames {
			if err := p.deliver(frame); err != nil {
				if errors.Is(err, errStopped) {
					return EndCanceled, nil
				}
				return "", err
			}
		}
	}

	if p.stopped() {
		return EndCanceled, nil
	}
	return EndDone, nil
}

func (e *Engine) startAdjuster(rate float64) *audio.Adjuster {
	if e.soxPath == "" {
		return nil
	}
	plan := audio.DecomposeRate(rate)
	frame := e.tempo.FrameSamples
	if frame <= 0 {
		frame = plan.FrameSamples()
	}
	args := audio.SoxArgs(e.model.SampleRate(), plan, e.tempo.ExtraArgs)
	adj, err := audio.StartAdjuster(e.soxPath, args, frame, e.logger)
	if err != nil {
		e.logger.Warn("tempo process failed to start, falling back to resampling", slogError(err))
		return nil
	}
	e.logger.Debug("tempo process started",
		slog.Float64("rate", rate),
		slog.Int("steps", plan.Steps),
		slog.Float64("step_factor", plan.Factor),
		slog.Int("frame_samples", frame),
	)
	return adj
}

type pipeline struct {
	ctx        context.Context
	cancel     *CancelFlag
	emit       ChunkFunc
	sampleRate int
	index      int
}

func (p *pipeline) stopped() bool {
	return (p.cancel != nil && p.cancel.IsSet()) || p.ctx.Err() != nil
}

func (p *pipeline) deliver(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	if p.stopped() {
		return errStopped
	}
	if err := p.emit(p.index, pcm, p.sampleRate); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		return fmt.Errorf("%w: chunk %d: %v", ErrDeliveryFailure, p.index, err)
	}
	p.index++
	return nil
}

func (p *pipeline) streamChunk(model Model, text string, state VoiceState, gain float64) error {
	for block, err := range model.GenerateStream(p.ctx, text, state) {
		if p.stopped() {
			return errStopped
		}
		if err != nil {
			return modelError(err)
		}
		pcm := audio.Quantize(block, gain)
		if p.stopped() {
			return errStopped
		}
		if err := p.deliver(pcm); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) blockChunk(model Model, text string, state VoiceState, gain, rate float64, adj *audio.Adjuster) error {
	samples, err := model.Generate(p.ctx, text, state)
	if p.stopped() {
		return errStopped
	}
	if err != nil {
		return modelError(err)
	}
	pcm := audio.Quantize(samples, gain)
	if adj == nil {
		return p.deliver(audio.Resample(pcm, rate))
	}
	if err := adj.PushSamples(pcm); err != nil {
		return err
	}
	for _, frame := range adj.DrainAvailableFrames() {
		if err := p.deliver(frame); err != nil {
			return err
		}
	}
	return nil
}

func modelError(err error) error {
	if errors.Is(err, ErrModelFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrModelFailure, err)
}
