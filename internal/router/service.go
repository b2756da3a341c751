package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voicereader/internal/bus"
	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	SourceHotkey   = "hotkey"
	requestTimeout = 5 * time.Second
)

// Service turns captured selections into speak requests.
type Service struct {
	cfg    config.RouterConfig
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSelectionCaptured, s.handleSelection)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleSelection(msg *nats.Msg) {
	var selection protocol.SelectionCaptured
	if err := json.Unmarshal(msg.Data, &selection); err != nil {
		s.logger.Warn("router failed to decode selection", slogError(err))
		return
	}
	text := NormalizeSelection(selection.Text, s.cfg.MaxTextChars)
	if text == "" {
		s.logger.Debug("ignoring empty selection", slog.String("app", selection.App))
		return
	}

	req := protocol.SpeakRequest{
		Text:    text,
		VoiceID: s.cfg.DefaultVoice,
		Preset:  s.cfg.DefaultPreset,
		Source:  SourceHotkey,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		jobID, err := s.requestSpeak(req)
		if err != nil {
			s.logger.Warn("router failed to start speak job", slogError(err))
			return
		}
		s.logger.Info("selection sent for reading",
			slog.String("job_id", jobID),
			slog.Int("chars", len([]rune(text))),
			slog.String("app", selection.App))
	}()
}

func (s *Service) requestSpeak(req protocol.SpeakRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	raw, err := s.bus.Request(ctx, protocol.SubjectSpeak, data)
	if err != nil {
		return "", err
	}
	var reply protocol.SpeakReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Code + ": " + reply.Error)
	}
	return reply.JobID, nil
}

// NormalizeSelection trims captured text, collapses the line breaks and
// blank runs that selections carry, and caps the result at maxChars runes.
func NormalizeSelection(text string, maxChars int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = strings.Join(kept, "\n")
	if maxChars > 0 {
		if runes := []rune(text); len(runes) > maxChars {
			text = strings.TrimSpace(string(runes[:maxChars]))
		}
	}
	return text
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
