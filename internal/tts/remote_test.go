package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/voicereader/internal/audio"
)

const testToken = "secret-token"

// fakeEngine serves the remote engine HTTP and event stream API. script
// writes the events of a job; it runs after the stream is upgraded.
type fakeEngine struct {
	t        *testing.T
	server   *httptest.Server
	script   func(conn *websocket.Conn, canceled <-chan struct{})
	mu       sync.Mutex
	speakReq remoteSpeakRequest
	canceled chan struct{}
	cancels  atomic.Int32
	unready  atomic.Int32
}

func newFakeEngine(t *testing.T, script func(conn *websocket.Conn, canceled <-chan struct{})) *fakeEngine {
	t.Helper()
	f := &fakeEngine{t: t, script: script, canceled: make(chan struct{})}
	upgrader := websocket.Upgrader{Subprotocols: []string{wsAuthSubprotocol}}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if f.unready.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/speak", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body remoteSpeakRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.speakReq = body
		f.mu.Unlock()
		if body.VoiceID == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": CodeVoiceNotFound, "message": "no such voice"}})
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/jobs/job-1/events"
		_ = json.NewEncoder(w).Encode(remoteSpeakResponse{JobID: "job-1", WSURL: wsURL})
	})
	mux.HandleFunc("/v1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if f.cancels.Add(1) == 1 {
			close(f.canceled)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/jobs/job-1/events", func(w http.ResponseWriter, r *http.Request) {
		protocols := websocket.Subprotocols(r)
		if len(protocols) != 2 || protocols[0] != wsAuthSubprotocol || protocols[1] != testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.script(conn, f.canceled)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEngine) backend() *RemoteBackend {
	f.t.Helper()
	b, err := NewRemoteBackend(RemoteOptions{
		BaseURL:        f.server.URL,
		Token:          testToken,
		PollInterval:   10 * time.Millisecond,
		ReadyTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}, newTestLogger())
	if err != nil {
		f.t.Fatalf("new remote backend: %v", err)
	}
	return b
}

func (f *fakeEngine) lastSpeak() remoteSpeakRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speakReq
}

func audioEvent(seq int, samples []int16) map[string]any {
	return audioEventAt(seq, 24000, samples)
}

func audioEventAt(seq, sampleRate int, samples []int16) map[string]any {
	return map[string]any{
		"type": "AUDIO_CHUNK",
		"seq":  seq,
		"audio": map[string]any{
			"format":      "pcm_s16le",
			"sample_rate": sampleRate,
			"channels":    1,
			"data_base64": base64.StdEncoding.EncodeToString(audio.Int16ToBytes(samples)),
		},
	}
}

func TestRemoteBackendRelaysChunks(t *testing.T) {
	engine := newFakeEngine(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		_ = conn.WriteJSON(map[string]any{"type": "JOB_STARTED", "job_id": "job-1"})
		_ = conn.WriteJSON(audioEvent(7, []int16{1, 2, 3}))
		_ = conn.WriteJSON(audioEvent(8, []int16{4, 5}))
		_ = conn.WriteJSON(map[string]any{"type": "JOB_DONE", "job_id": "job-1"})
	})
	b := engine.backend()
	if err := b.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	req := defaultRequest("Hello there.")
	req.Rate = 9
	var got []emitted
	state, err := b.Run(context.Background(), req, NewCancelFlag(), collect(&got))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != EndDone {
		t.Fatalf("expected done, got %s", state)
	}
	if len(got) != 2 || got[0].index != 0 || got[1].index != 1 {
		t.Fatalf("expected chunks re-indexed from 0, got %+v", got)
	}
	if got[0].sampleRate != 24000 || len(got[0].samples) != 3 || got[1].samples[1] != 5 {
		t.Fatalf("unexpected chunk payloads: %+v", got)
	}
	sent := engine.lastSpeak()
	if sent.Text != "Hello there." || sent.Settings.Rate != MaxRate || sent.Settings.Chunking.MaxChars != 200 {
		t.Fatalf("unexpected speak request: %+v", sent)
	}
}

func TestRemoteBackendWaitsUntilReady(t *testing.T) {
	engine := newFakeEngine(t, func(*websocket.Conn, <-chan struct{}) {})
	engine.unready.Store(3)
	if err := engine.backend().WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestRemoteBackendJobError(t *testing.T) {
	engine := newFakeEngine(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		_ = conn.WriteJSON(map[string]any{
			"type":  "JOB_ERROR",
			"error": map[string]string{"code": "INFERENCE_FAILED", "message": "gpu lost"},
		})
	})
	_, err := engine.backend().Run(context.Background(), defaultRequest("Hello."), NewCancelFlag(), func(int, []int16, int) error { return nil })
	if !errors.Is(err, ErrModelFailure) {
		t.Fatalf("expected ErrModelFailure, got %v", err)
	}
}

func TestRemoteBackendVoiceNotFound(t *testing.T) {
	engine := newFakeEngine(t, func(*websocket.Conn, <-chan struct{}) {})
	req := defaultRequest("Hello.")
	req.VoiceID = "missing"
	_, err := engine.backend().Run(context.Background(), req, NewCancelFlag(), func(int, []int16, int) error { return nil })
	if !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected ErrVoiceNotFound, got %v", err)
	}
}

func TestRemoteBackendStreamClosedEarly(t *testing.T) {
	engine := newFakeEngine(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		_ = conn.WriteJSON(audioEvent(0, []int16{1}))
	})
	_, err := engine.backend().Run(context.Background(), defaultRequest("Hello."), NewCancelFlag(), func(int, []int16, int) error { return nil })
	if !errors.Is(err, ErrRemoteStream) {
		t.Fatalf("expected ErrRemoteStream, got %v", err)
	}
	if code := ErrorCode(err); code != CodeRemoteStream {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestRemoteBackendRejectsMissingSampleRate(t *testing.T) {
	engine := newFakeEngine(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		_ = conn.WriteJSON(audioEventAt(0, 0, []int16{1, 2}))
		_ = conn.WriteJSON(map[string]any{"type": "JOB_DONE"})
	})
	_, err := engine.backend().Run(context.Background(), defaultRequest("Hello."), NewCancelFlag(), func(int, []int16, int) error {
		t.Fatal("no chunk expected")
		return nil
	})
	if !errors.Is(err, ErrRemoteStream) {
		t.Fatalf("expected ErrRemoteStream, got %v", err)
	}
	if engine.cancels.Load() != 1 {
		t.Fatalf("expected remote cancel, got %d", engine.cancels.Load())
	}
}

func TestRemoteBackendRejectsSampleRateChange(t *testing.T) {
	var conns atomic.Int32
	engine := newFakeEngine(t, func(conn *websocket.Conn, _ <-chan struct{}) {
		rate := 24000
		if conns.Add(1) > 1 {
			rate = 16000
		}
		_ = conn.WriteJSON(audioEventAt(0, rate, []int16{1, 2}))
		_ = conn.WriteJSON(map[string]any{"type": "JOB_DONE"})
	})
	b := engine.backend()
	noop := func(int, []int16, int) error { return nil }

	state, err := b.Run(context.Background(), defaultRequest("First."), NewCancelFlag(), noop)
	if err != nil || state != EndDone {
		t.Fatalf("first job: %s, %v", state, err)
	}
	if _, err := b.Run(context.Background(), defaultRequest("Second."), NewCancelFlag(), noop); !errors.Is(err, ErrRemoteStream) {
		t.Fatalf("expected ErrRemoteStream on rate change, got %v", err)
	}
}

func TestRemoteBackendCancel(t *testing.T) {
	engine := newFakeEngine(t, func(conn *websocket.Conn, canceled <-chan struct{}) {
		_ = conn.WriteJSON(audioEvent(0, []int16{1, 2}))
		select {
		case <-canceled:
		case <-time.After(5 * time.Second):
		}
	})
	flag := NewCancelFlag()
	var chunks int
	state, err := engine.backend().Run(context.Background(), defaultRequest("Hello."), flag, func(int, []int16, int) error {
		chunks++
		flag.Set()
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != EndCanceled {
		t.Fatalf("expected canceled, got %s", state)
	}
	if chunks != 1 {
		t.Fatalf("expected one chunk, got %d", chunks)
	}
	if engine.cancels.Load() != 1 {
		t.Fatalf("expected one remote cancel, got %d", engine.cancels.Load())
	}
}

func TestRemoteBackendPreCanceled(t *testing.T) {
	engine := newFakeEngine(t, func(*websocket.Conn, <-chan struct{}) {})
	flag := NewCancelFlag()
	flag.Set()
	state, err := engine.backend().Run(context.Background(), defaultRequest("Hello."), flag, func(int, []int16, int) error {
		t.Fatal("no chunk expected")
		return nil
	})
	if err != nil || state != EndCanceled {
		t.Fatalf("expected canceled, got %s, %v", state, err)
	}
	if engine.lastSpeak().Text != "" {
		t.Fatal("pre-canceled job must not reach the engine")
	}
}

func TestDecodeRemoteAudioDownmixes(t *testing.T) {
	stereo := []int16{100, 300, -50, -150}
	pcm, sr, err := decodeRemoteAudio(&remoteAudio{
		Format:     "pcm_s16le",
		SampleRate: 48000,
		Channels:   2,
		DataBase64: base64.StdEncoding.EncodeToString(audio.Int16ToBytes(stereo)),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sr != 48000 || len(pcm) != 2 || pcm[0] != 200 || pcm[1] != -100 {
		t.Fatalf("unexpected downmix: %v @ %d", pcm, sr)
	}
	if _, _, err := decodeRemoteAudio(&remoteAudio{Format: "pcm_s16le", SampleRate: -1}); !errors.Is(err, ErrRemoteStream) {
		t.Fatalf("expected ErrRemoteStream for negative sample rate, got %v", err)
	}
	if _, _, err := decodeRemoteAudio(&remoteAudio{Format: "opus"}); !errors.Is(err, ErrRemoteStream) {
		t.Fatalf("expected ErrRemoteStream for unsupported format, got %v", err)
	}
}
