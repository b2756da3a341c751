package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/tts"
	"github.com/loqalabs/voicereader/internal/voices"
	"github.com/mattn/go-shellwords"
)

const presetSubdir = "embeddings"

// Synthesis is the configured backend together with the voice store that
// feeds it. Engine is nil for the remote backend and Remote is nil for the
// embedded one.
type Synthesis struct {
	Backend    tts.Backend
	Engine     *tts.Engine
	Remote     *tts.RemoteBackend
	Voices     *voices.Store
	SampleRate int
}

// NewSynthesis builds the backend selected by cfg.Synthesis.Backend. The
// embedded backend is warmed up when configured; the remote backend is
// launched (if a launch command is set) and polled until ready.
func NewSynthesis(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Synthesis, error) {
	switch cfg.Synthesis.Backend {
	case "remote":
		return newRemoteSynthesis(ctx, cfg, logger)
	default:
		return newEmbeddedSynthesis(ctx, cfg, logger)
	}
}

func newEmbeddedSynthesis(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Synthesis, error) {
	mc := cfg.Synthesis.Model

	var (
		model     tts.Model
		presetDir string
	)
	switch mc.Mode {
	case "exec":
		configPath, err := tts.PrepareModelAssets(mc.Dir, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		model, err = tts.NewExecModel(mc.Command, mc.SampleRate, configPath)
		if err != nil {
			return nil, err
		}
		presetDir = filepath.Join(mc.Dir, presetSubdir)
		logger.Info("exec model configured", slog.String("config", configPath), slog.String("presets", presetDir))
	default:
		model = tts.NewMockModel(mc.SampleRate)
		logger.Info("mock model configured", slog.Int("sample_rate", mc.SampleRate))
	}

	store, err := voices.Open(cfg.DataDir, presetDir, mc.ModelID)
	if err != nil {
		return nil, fmt.Errorf("open voice store: %w", err)
	}

	extra, err := shellwords.Parse(cfg.Tempo.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: parse tempo.extra_args: %v", tts.ErrConfiguration, err)
	}
	engine := tts.NewEngine(tts.EngineOptions{
		Model:  model,
		Voices: store,
		Tempo: tts.TempoOptions{
			Enabled:      cfg.Tempo.Enabled,
			SoxPath:      cfg.Tempo.SoxPath,
			ExtraArgs:    extra,
			FrameSamples: cfg.Tempo.FrameSamples,
		},
		DefaultPreset: mc.DefaultPreset,
	}, logger)
	store.OnDelete(engine.EvictVoice)

	if mc.Warmup {
		started := time.Now()
		if err := engine.Warmup(ctx); err != nil {
			logger.Warn("model warmup failed", slog.String("error", err.Error()))
		} else {
			logger.Info("model warmed up", slog.Duration("took", time.Since(started)))
		}
	}

	return &Synthesis{
		Backend:    engine,
		Engine:     engine,
		Voices:     store,
		SampleRate: engine.SampleRate(),
	}, nil
}

func newRemoteSynthesis(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Synthesis, error) {
	rc := cfg.Remote
	remote, err := tts.NewRemoteBackend(tts.RemoteOptions{
		BaseURL:        rc.BaseURL,
		Token:          rc.Token,
		LaunchCommand:  rc.LaunchCommand,
		ReadyTimeout:   time.Duration(rc.ReadyTimeoutMS) * time.Millisecond,
		PollInterval:   time.Duration(rc.PollIntervalMS) * time.Millisecond,
		RequestTimeout: time.Duration(rc.RequestTimeout) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := remote.Launch(); err != nil {
		return nil, err
	}
	if err := remote.WaitReady(ctx); err != nil {
		_ = remote.Close()
		return nil, err
	}

	// Saved voices live with the engine; the local store only answers lookups.
	store, err := voices.Open(cfg.DataDir, "", cfg.Synthesis.Model.ModelID)
	if err != nil {
		_ = remote.Close()
		return nil, fmt.Errorf("open voice store: %w", err)
	}
	return &Synthesis{
		Backend:    remote,
		Remote:     remote,
		Voices:     store,
		SampleRate: cfg.Synthesis.Model.SampleRate,
	}, nil
}

// TempoAvailable reports whether rate changes keep pitch on this node.
func (s *Synthesis) TempoAvailable() bool {
	return s.Engine != nil && s.Engine.TempoAvailable()
}

func (s *Synthesis) Close() error {
	if s.Remote != nil {
		return s.Remote.Close()
	}
	return nil
}
