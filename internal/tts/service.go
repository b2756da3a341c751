package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/voicereader/internal/audio"
	"github.com/loqalabs/voicereader/internal/bus"
	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes the job manager on the bus. It answers speak and cancel
// requests and publishes each job's audio and events.
type Service struct {
	defaults config.SpeakConfig
	bus      *bus.Client
	jobs     *JobManager
	subs     []*nats.Subscription
	logger   *slog.Logger
}

func NewService(parent context.Context, defaults config.SpeakConfig, busClient *bus.Client, backend Backend, timeline Timeline, log *slog.Logger) *Service {
	s := &Service{
		defaults: defaults,
		bus:      busClient,
		logger:   log.With(slog.String("component", "tts-service")),
	}
	s.jobs = NewJobManager(parent, backend, s, timeline, log)
	return s
}

func (s *Service) Jobs() *JobManager { return s.jobs }

func (s *Service) Start() error {
	conn := s.bus.Conn()
	speakSub, err := conn.Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, speakSub)

	cancelSub, err := conn.Subscribe(protocol.SubjectCancel, s.handleCancel)
	if err != nil {
		_ = speakSub.Drain()
		s.subs = nil
		return err
	}
	s.subs = append(s.subs, cancelSub)
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.jobs.Close()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 }

// Speak starts a job from a bus-shaped request.
func (s *Service) Speak(req protocol.SpeakRequest) (string, error) {
	return s.jobs.Start(s.speakRequest(req))
}

func (s *Service) speakRequest(req protocol.SpeakRequest) SpeakRequest {
	out := SpeakRequest{
		VoiceID:  req.VoiceID,
		Preset:   req.Preset,
		Text:     req.Text,
		MaxChars: req.Settings.MaxChars,
		Rate:     req.Settings.Rate,
		Pitch:    req.Settings.Pitch,
		Volume:   s.defaults.Volume,
		Source:   req.Source,
	}
	if strings.TrimSpace(out.VoiceID) == "" {
		out.VoiceID = s.defaults.VoiceID
	}
	if strings.TrimSpace(out.Preset) == "" {
		out.Preset = s.defaults.Preset
	}
	if out.MaxChars <= 0 {
		out.MaxChars = s.defaults.ChunkMaxChars
	}
	if out.Rate <= 0 {
		out.Rate = s.defaults.Rate
	}
	if out.Pitch <= 0 {
		out.Pitch = s.defaults.Pitch
	}
	if req.Settings.Volume != nil {
		out.Volume = *req.Settings.Volume
	}
	if out.Source == "" {
		out.Source = "bus"
	}
	return out
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.respond(msg, protocol.SpeakReply{Error: err.Error(), Code: CodeInternal})
		return
	}
	jobID, err := s.Speak(req)
	if err != nil {
		s.logger.Warn("speak request rejected", slogError(err))
		s.respond(msg, protocol.SpeakReply{Error: err.Error(), Code: ErrorCode(err)})
		return
	}
	s.respond(msg, protocol.SpeakReply{JobID: jobID})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode cancel request", slogError(err))
			s.respond(msg, protocol.CancelReply{Canceled: false})
			return
		}
	}
	jobID, canceled := s.jobs.Cancel(req.JobID)
	s.respond(msg, protocol.CancelReply{Canceled: canceled, JobID: jobID})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// Chunk implements Sink.
func (s *Service) Chunk(jobID string, index int, pcm []int16, sampleRate int) error {
	data, err := json.Marshal(protocol.AudioChunk{
		JobID:      jobID,
		ChunkIndex: index,
		SampleRate: sampleRate,
		Channels:   1,
		PCM:        audio.Int16ToBytes(pcm),
	})
	if err != nil {
		return err
	}
	conn := s.bus.Conn()
	if limit := conn.MaxPayload(); int64(len(data)) > limit {
		return fmt.Errorf("audio chunk %d is %d bytes, bus limit is %d", index, len(data), limit)
	}
	return conn.Publish(protocol.SubjectAudio, data)
}

// Event implements Sink.
func (s *Service) Event(ev JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal job event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectJobEvent, data); err != nil {
		s.logger.Warn("failed to publish job event", slog.String("type", string(ev.Type)), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
