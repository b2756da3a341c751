package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/voicereader/internal/audio"
	"github.com/loqalabs/voicereader/internal/chunking"
)

const wsAuthSubprotocol = "auth.bearer.v1"

type RemoteOptions struct {
	BaseURL        string
	Token          string
	LaunchCommand  string
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// RemoteBackend delegates synthesis to an engine process over HTTP and a
// WebSocket event stream.
type RemoteBackend struct {
	opts   RemoteOptions
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	proc *exec.Cmd

	// sampleRate is fixed by the first audio chunk the backend sees.
	rateMu     sync.Mutex
	sampleRate int
}

type remoteSpeakRequest struct {
	VoiceID  string         `json:"voice_id"`
	Text     string         `json:"text"`
	Settings remoteSettings `json:"settings"`
}

type remoteSettings struct {
	Rate     float64        `json:"rate"`
	Pitch    float64        `json:"pitch"`
	Volume   float64        `json:"volume"`
	Chunking remoteChunking `json:"chunking"`
}

type remoteChunking struct {
	MaxChars int `json:"max_chars"`
}

type remoteSpeakResponse struct {
	JobID string `json:"job_id"`
	WSURL string `json:"ws_url"`
}

type remoteEvent struct {
	Type  string       `json:"type"`
	JobID string       `json:"job_id"`
	Seq   int          `json:"seq"`
	Audio *remoteAudio `json:"audio"`
	Error *remoteError `json:"error"`
}

type remoteAudio struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	DataBase64 string `json:"data_base64"`
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewRemoteBackend(opts RemoteOptions, logger *slog.Logger) (*RemoteBackend, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid remote base url %q", ErrConfiguration, opts.BaseURL)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.RequestTimeout,
	}
	if opts.Token != "" {
		dialer.Subprotocols = []string{wsAuthSubprotocol, opts.Token}
	}
	return &RemoteBackend{
		opts:   opts,
		base:   base,
		client: &http.Client{Timeout: opts.RequestTimeout},
		dialer: dialer,
		logger: logger.With(slog.String("component", "tts-remote")),
	}, nil
}

func (r *RemoteBackend) Name() string { return "remote" }

// Launch starts the configured engine process, if any.
func (r *RemoteBackend) Launch() error {
	if strings.TrimSpace(r.opts.LaunchCommand) == "" {
		return nil
	}
	args, err := shellwords.Parse(r.opts.LaunchCommand)
	if err != nil {
		return fmt.Errorf("%w: parse launch command: %v", ErrConfiguration, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: launch command empty", ErrConfiguration)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: launch engine: %v", ErrPipeFailure, err)
	}
	r.mu.Lock()
	r.proc = cmd
	r.mu.Unlock()
	r.logger.Info("engine process launched", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// WaitReady polls the health endpoint until it answers 200 or the ready
// timeout passes.
func (r *RemoteBackend) WaitReady(ctx context.Context) error {
	if r.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ReadyTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if lastErr = r.health(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("remote engine not ready: %w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (r *RemoteBackend) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/v1/health"), nil)
	if err != nil {
		return err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// Close stops a launched engine process.
func (r *RemoteBackend) Close() error {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.mu.Unlock()
	if proc == nil || proc.Process == nil {
		return nil
	}
	if err := proc.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = proc.Wait()
	return nil
}

// Run starts a remote job and relays its audio chunks. The remote engine's
// own sequence numbers are replaced with local indices starting at 0.
func (r *RemoteBackend) Run(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error) {
	if cancel.IsSet() {
		return EndCanceled, nil
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyText
	}
	started, err := r.speak(ctx, req)
	if err != nil {
		return "", err
	}
	logger := r.logger.With(slog.String("remote_job_id", started.JobID))

	conn, _, err := r.dialer.DialContext(ctx, started.WSURL, r.wsHeader())
	if err != nil {
		r.cancelRemote(started.JobID)
		return "", fmt.Errorf("%w: dial event stream: %v", ErrRemoteStream, err)
	}
	done := make(chan struct{})
	defer conn.Close()
	defer close(done)

	events := make(chan remoteEvent, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var ev remoteEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				logger.Warn("undecodable remote event", slogError(err))
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	index := 0
	for {
		select {
		case <-cancel.Done():
			r.cancelRemote(started.JobID)
			return EndCanceled, nil
		case <-ctx.Done():
			r.cancelRemote(started.JobID)
			return EndCanceled, nil
		case ev, ok := <-events:
			if !ok {
				if cancel.IsSet() {
					return EndCanceled, nil
				}
				var cause error
				select {
				case cause = <-readErr:
				default:
				}
				return "", fmt.Errorf("%w: %v", ErrRemoteStream, cause)
			}
			switch ev.Type {
			case "JOB_STARTED":
				logger.Debug("remote job started")
			case "AUDIO_CHUNK":
				pcm, sampleRate, err := decodeRemoteAudio(ev.Audio)
				if err == nil {
					err = r.pinSampleRate(sampleRate)
				}
				if err != nil {
					r.cancelRemote(started.JobID)
					return "", err
				}
				if cancel.IsSet() {
					r.cancelRemote(started.JobID)
					return EndCanceled, nil
				}
				if len(pcm) == 0 {
					continue
				}
				if err := emit(index, pcm, sampleRate); err != nil {
					r.cancelRemote(started.JobID)
					if errors.Is(err, errStopped) {
						return EndCanceled, nil
					}
					return "", fmt.Errorf("%w: chunk %d: %v", ErrDeliveryFailure, index, err)
				}
				index++
			case "JOB_DONE":
				return EndDone, nil
			case "JOB_CANCELED":
				return EndCanceled, nil
			case "JOB_ERROR":
				return "", remoteJobError(ev.Error)
			default:
				logger.Debug("ignoring remote event", slog.String("type", ev.Type))
			}
		}
	}
}

func (r *RemoteBackend) speak(ctx context.Context, req SpeakRequest) (remoteSpeakResponse, error) {
	body := remoteSpeakRequest{
		VoiceID: req.VoiceID,
		Text:    strings.TrimSpace(req.Text),
		Settings: remoteSettings{
			Rate:     ClampRate(req.Rate),
			Pitch:    req.Pitch,
			Volume:   audio.ClampGain(req.Volume),
			Chunking: remoteChunking{MaxChars: chunking.ClampMaxChars(req.MaxChars)},
		},
	}
	if body.VoiceID == "" {
		body.VoiceID = "0"
	}
	if body.Settings.Pitch <= 0 {
		body.Settings.Pitch = 1.0
	}
	var out remoteSpeakResponse
	if err := r.postJSON(ctx, "/v1/speak", body, &out); err != nil {
		return out, err
	}
	if out.JobID == "" || out.WSURL == "" {
		return out, fmt.Errorf("%w: speak response missing job_id or ws_url", ErrRemoteStream)
	}
	return out, nil
}

func (r *RemoteBackend) cancelRemote(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancel()
	if err := r.postJSON(ctx, "/v1/cancel", map[string]string{"job_id": jobID}, nil); err != nil {
		r.logger.Debug("remote cancel failed", slog.String("remote_job_id", jobID), slogError(err))
	}
}

func (r *RemoteBackend) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteStream, path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error remoteError `json:"error"`
		}
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error.Code != "" {
			return remoteJobError(&envelope.Error)
		}
		return fmt.Errorf("%w: %s returned %d", ErrRemoteStream, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrRemoteStream, path, err)
	}
	return nil
}

func (r *RemoteBackend) endpoint(path string) string {
	return r.base.String() + path
}

func (r *RemoteBackend) authorize(req *http.Request) {
	if r.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.Token)
	}
}

func (r *RemoteBackend) wsHeader() http.Header {
	h := http.Header{}
	if r.opts.Token != "" {
		h.Set("Authorization", "Bearer "+r.opts.Token)
	}
	return h
}

func (r *RemoteBackend) pinSampleRate(rate int) error {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	if r.sampleRate == 0 {
		r.sampleRate = rate
		return nil
	}
	if rate != r.sampleRate {
		return fmt.Errorf("%w: sample rate changed from %d to %d", ErrRemoteStream, r.sampleRate, rate)
	}
	return nil
}

func decodeRemoteAudio(a *remoteAudio) ([]int16, int, error) {
	if a == nil {
		return nil, 0, fmt.Errorf("%w: audio chunk without payload", ErrRemoteStream)
	}
	if a.Format != "" && a.Format != "pcm_s16le" {
		return nil, 0, fmt.Errorf("%w: unsupported audio format %q", ErrRemoteStream, a.Format)
	}
	if a.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("%w: invalid sample rate %d", ErrRemoteStream, a.SampleRate)
	}
	raw, err := base64.StdEncoding.DecodeString(a.DataBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode audio: %v", ErrRemoteStream, err)
	}
	pcm := audio.BytesToInt16(raw)
	if a.Channels > 1 {
		mono := make([]int16, len(pcm)/a.Channels)
		for i := range mono {
			sum := 0
			for c := 0; c < a.Channels; c++ {
				sum += int(pcm[i*a.Channels+c])
			}
			mono[i] = int16(sum / a.Channels)
		}
		pcm = mono
	}
	return pcm, a.SampleRate, nil
}

func remoteJobError(e *remoteError) error {
	if e == nil {
		return fmt.Errorf("%w: remote job failed", ErrModelFailure)
	}
	kind := ErrModelFailure
	switch e.Code {
	case CodeVoiceNotFound:
		kind = ErrVoiceNotFound
	case CodeEmptyText:
		kind = ErrEmptyText
	}
	return fmt.Errorf("%w: remote %s: %s", kind, e.Code, e.Message)
}
