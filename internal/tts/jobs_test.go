package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	chunks   []sinkChunk
	events   []JobEvent
	chunkErr error
	onChunk  chan string
}

type sinkChunk struct {
	jobID string
	index int
	n     int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{onChunk: make(chan string, 64)}
}

func (s *recordingSink) Chunk(jobID string, index int, pcm []int16, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkErr != nil {
		return s.chunkErr
	}
	s.chunks = append(s.chunks, sinkChunk{jobID: jobID, index: index, n: len(pcm)})
	return nil
}

func (s *recordingSink) Event(ev JobEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Type == EventAudioChunk {
		s.onChunk <- ev.JobID
	}
}

func (s *recordingSink) eventTypes(jobID string) []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventType
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *recordingSink) lastEvent(jobID string) JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].JobID == jobID {
			return s.events[i]
		}
	}
	return JobEvent{}
}

func (s *recordingSink) chunkCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		if c.jobID == jobID {
			n++
		}
	}
	return n
}

type backendFunc func(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error)

type fakeBackend struct {
	run backendFunc
}

func (b fakeBackend) Name() string { return "fake" }

func (b fakeBackend) Run(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error) {
	return b.run(ctx, req, cancel, emit)
}

// blockingBackend emits one chunk, waits for cancellation, then tries to emit
// again the way a late model block would.
func blockingBackend() fakeBackend {
	return fakeBackend{run: func(ctx context.Context, req SpeakRequest, cancel *CancelFlag, emit ChunkFunc) (EndState, error) {
		if err := emit(0, []int16{1, 2, 3}, 16000); err != nil {
			if errors.Is(err, errStopped) {
				return EndCanceled, nil
			}
			return "", err
		}
		select {
		case <-cancel.Done():
		case <-ctx.Done():
		}
		if err := emit(1, []int16{4, 5, 6}, 16000); err != nil && !errors.Is(err, errStopped) {
			return "", err
		}
		return EndCanceled, nil
	}}
}

type fakeTimeline struct {
	mu       sync.Mutex
	jobs     map[string]string
	events   map[string][]string
	finished map[string]string
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{jobs: map[string]string{}, events: map[string][]string{}, finished: map[string]string{}}
}

func (f *fakeTimeline) RecordJob(_ context.Context, jobID, source, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = source
	return nil
}

func (f *fakeTimeline) RecordEvent(_ context.Context, jobID, eventType string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[jobID] = append(f.events[jobID], eventType)
	return nil
}

func (f *fakeTimeline) FinishJob(_ context.Context, jobID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[jobID] = status
	return nil
}

func waitJob(t *testing.T, m *JobManager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, id); err != nil {
		t.Fatalf("wait for job %s: %v", id, err)
	}
}

func waitChunk(t *testing.T, sink *recordingSink, id string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-sink.onChunk:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a chunk of %s", id)
		}
	}
}

func equalTypes(got, want []EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestJobManagerRunsToDone(t *testing.T) {
	sink := newRecordingSink()
	timeline := newFakeTimeline()
	engine, _ := newTestEngine(t, NewMockModel(24000))
	m := NewJobManager(context.Background(), engine, sink, timeline, newTestLogger())
	t.Cleanup(m.Close)

	req := defaultRequest("Hello world. This is a test.")
	req.Source = "test"
	id, err := m.Start(req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitJob(t, m, id)

	types := sink.eventTypes(id)
	if len(types) < 3 || types[0] != EventJobStarted || types[len(types)-1] != EventJobDone {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	chunks := sink.chunkCount(id)
	if chunks == 0 {
		t.Fatal("expected chunks")
	}
	for i, c := range sink.chunks {
		if c.index != i {
			t.Fatalf("chunk %d delivered with index %d", i, c.index)
		}
	}
	if last := sink.lastEvent(id); !last.HadAudio {
		t.Fatal("terminal event must report had_audio")
	}
	info, ok := m.Status(id)
	if !ok || info.Status != StatusDone || info.Chunks != chunks || info.Backend != "embedded" {
		t.Fatalf("unexpected status: %+v", info)
	}
	if m.Active() != "" {
		t.Fatal("no job should be active after completion")
	}

	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	if timeline.jobs[id] != "test" || timeline.finished[id] != string(StatusDone) {
		t.Fatalf("timeline not updated: jobs=%v finished=%v", timeline.jobs, timeline.finished)
	}
	if got := timeline.events[id]; len(got) != len(types) {
		t.Fatalf("timeline recorded %d events, sink saw %d", len(got), len(types))
	}
}

func TestJobManagerRejectsEmptyText(t *testing.T) {
	m := NewJobManager(context.Background(), blockingBackend(), newRecordingSink(), nil, newTestLogger())
	t.Cleanup(m.Close)
	if _, err := m.Start(SpeakRequest{Text: " \t"}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestJobManagerCancelSuppressesJob(t *testing.T) {
	sink := newRecordingSink()
	timeline := newFakeTimeline()
	m := NewJobManager(context.Background(), blockingBackend(), sink, timeline, newTestLogger())
	t.Cleanup(m.Close)

	id, err := m.Start(SpeakRequest{Text: "Read this."})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitChunk(t, sink, id)

	canceledID, ok := m.Cancel(id)
	if !ok || canceledID != id {
		t.Fatalf("cancel returned %q, %v", canceledID, ok)
	}
	waitJob(t, m, id)

	if !m.Suppressed(id) {
		t.Fatal("explicitly canceled job must be suppressed")
	}
	if n := sink.chunkCount(id); n != 1 {
		t.Fatalf("expected one chunk before cancel, got %d", n)
	}
	want := []EventType{EventJobStarted, EventAudioChunk, EventCancelRequested}
	if got := sink.eventTypes(id); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	info, _ := m.Status(id)
	if info.Status != StatusCanceled {
		t.Fatalf("expected canceled status, got %s", info.Status)
	}

	// The dropped terminal event still lands in the timeline.
	timeline.mu.Lock()
	recorded := timeline.events[id]
	timeline.mu.Unlock()
	if len(recorded) == 0 || recorded[len(recorded)-1] != string(EventJobCanceled) {
		t.Fatalf("timeline events = %v", recorded)
	}

	if _, ok := m.Cancel(id); ok {
		t.Fatal("canceling a finished job must report false")
	}
}

func TestJobManagerCancelWithoutIDTargetsActiveJob(t *testing.T) {
	sink := newRecordingSink()
	m := NewJobManager(context.Background(), blockingBackend(), sink, nil, newTestLogger())
	t.Cleanup(m.Close)

	if id, ok := m.Cancel(""); ok || id != "" {
		t.Fatalf("cancel with no active job returned %q, %v", id, ok)
	}
	id, err := m.Start(SpeakRequest{Text: "Read this."})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Active() != id {
		t.Fatalf("expected %s active, got %s", id, m.Active())
	}
	waitChunk(t, sink, id)
	got, ok := m.Cancel("")
	if !ok || got != id {
		t.Fatalf("cancel returned %q, %v", got, ok)
	}
	waitJob(t, m, id)
	if m.Active() != "" {
		t.Fatal("no job should be active after cancel")
	}
}

func TestJobManagerNewJobSupersedesActive(t *testing.T) {
	sink := newRecordingSink()
	m := NewJobManager(context.Background(), blockingBackend(), sink, nil, newTestLogger())
	t.Cleanup(m.Close)

	first, err := m.Start(SpeakRequest{Text: "First."})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	waitChunk(t, sink, first)

	second, err := m.Start(SpeakRequest{Text: "Second."})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	waitJob(t, m, first)

	if n := sink.chunkCount(first); n != 1 {
		t.Fatalf("superseded job delivered %d chunks, want 1", n)
	}
	if m.Suppressed(first) {
		t.Fatal("superseded job is not explicitly canceled")
	}
	if last := sink.lastEvent(first); last.Type != EventJobCanceled || !last.HadAudio {
		t.Fatalf("unexpected terminal event for superseded job: %+v", last)
	}
	if m.Active() != second {
		t.Fatalf("expected %s active, got %s", second, m.Active())
	}

	m.Cancel(second)
	waitJob(t, m, second)
}

func TestJobManagerDeliveryFailure(t *testing.T) {
	sink := newRecordingSink()
	sink.chunkErr = errors.New("bus unavailable")
	engine, _ := newTestEngine(t, NewMockModel(24000))
	m := NewJobManager(context.Background(), engine, sink, nil, newTestLogger())
	t.Cleanup(m.Close)

	id, err := m.Start(defaultRequest("Hello world."))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitJob(t, m, id)

	last := sink.lastEvent(id)
	if last.Type != EventJobError || last.Code != CodeDelivery {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	if last.HadAudio {
		t.Fatal("no audio was delivered")
	}
	info, _ := m.Status(id)
	if info.Status != StatusError || info.Error == "" {
		t.Fatalf("unexpected status: %+v", info)
	}
}

func TestJobManagerReportsModelErrorCode(t *testing.T) {
	sink := newRecordingSink()
	engine, _ := newTestEngine(t, &fakeModel{sampleRate: 16000, err: errors.New("boom")})
	m := NewJobManager(context.Background(), engine, sink, nil, newTestLogger())
	t.Cleanup(m.Close)

	id, err := m.Start(defaultRequest("Hello."))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitJob(t, m, id)
	if last := sink.lastEvent(id); last.Type != EventJobError || last.Code != CodeInference {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
}

func TestJobManagerCloseCancelsRunningJob(t *testing.T) {
	sink := newRecordingSink()
	m := NewJobManager(context.Background(), blockingBackend(), sink, nil, newTestLogger())

	id, err := m.Start(SpeakRequest{Text: "Read this."})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitChunk(t, sink, id)
	m.Close()

	info, _ := m.Status(id)
	if info.Status != StatusCanceled {
		t.Fatalf("expected canceled after close, got %s", info.Status)
	}
	if _, err := m.Start(SpeakRequest{Text: "Too late."}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestJobManagerStartConcurrentWithClose(t *testing.T) {
	sink := newRecordingSink()
	m := NewJobManager(context.Background(), blockingBackend(), sink, nil, newTestLogger())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []string
	)
	release := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			for range 20 {
				id, err := m.Start(SpeakRequest{Text: "Again."})
				if err != nil {
					if !errors.Is(err, ErrClosed) {
						t.Errorf("unexpected start error: %v", err)
					}
					return
				}
				mu.Lock()
				started = append(started, id)
				mu.Unlock()
			}
		}()
	}
	close(release)
	m.Close()
	wg.Wait()

	// Close has returned, so every job it let through has already finished.
	mu.Lock()
	defer mu.Unlock()
	for _, id := range started {
		info, ok := m.Status(id)
		if !ok {
			continue
		}
		switch info.Status {
		case StatusStarted, StatusStreaming:
			t.Fatalf("job %s still %s after close", id, info.Status)
		}
	}
}
