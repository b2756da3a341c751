package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxRetainedJobs     = 64
	maxSuppressedJobIDs = 128
)

// ErrClosed is returned by Start once the manager has been closed.
var ErrClosed = errors.New("job manager closed")

type EventType string

const (
	EventJobStarted      EventType = "JOB_STARTED"
	EventAudioChunk      EventType = "AUDIO_CHUNK"
	EventCancelRequested EventType = "JOB_CANCEL_REQUESTED"
	EventJobDone         EventType = "JOB_DONE"
	EventJobCanceled     EventType = "JOB_CANCELED"
	EventJobError        EventType = "JOB_ERROR"
)

type JobStatus string

const (
	StatusStarted   JobStatus = "started"
	StatusStreaming JobStatus = "streaming"
	StatusDone      JobStatus = "done"
	StatusCanceled  JobStatus = "canceled"
	StatusError     JobStatus = "error"
)

// JobEvent is a lifecycle notification. Audio itself goes through
// Sink.Chunk; AUDIO_CHUNK events only describe it.
type JobEvent struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	Source     string    `json:"source,omitempty"`
	ChunkIndex int       `json:"chunk_index,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	HadAudio   bool      `json:"had_audio,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobInfo is a snapshot of a job's progress.
type JobInfo struct {
	ID         string    `json:"job_id"`
	Source     string    `json:"source"`
	Backend    string    `json:"backend"`
	Status     JobStatus `json:"status"`
	Chunks     int       `json:"chunks"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink delivers a job's output to its consumer.
type Sink interface {
	Chunk(jobID string, index int, pcm []int16, sampleRate int) error
	Event(ev JobEvent)
}

// Timeline persists job history. Failures are logged and never stop a job.
type Timeline interface {
	RecordJob(ctx context.Context, jobID, source, backend string, textChars int) error
	RecordEvent(ctx context.Context, jobID, eventType string, payload any) error
	FinishJob(ctx context.Context, jobID, status string) error
}

type job struct {
	id       string
	req      SpeakRequest
	flag     *CancelFlag
	info     JobInfo
	hadAudio bool
	terminal bool
	done     chan struct{}
}

// JobManager runs at most one active job on a backend. Starting a job cancels
// the previous one; explicitly canceled jobs are suppressed so none of their
// later chunks or terminal events reach the sink.
type JobManager struct {
	backend  Backend
	sink     Sink
	timeline Timeline
	logger   *slog.Logger
	metrics  *jobMetrics
	tracer   trace.Tracer
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// deliverMu serializes chunk delivery with supersession, so once Start
	// returns no chunk of an older job can still be handed to the sink.
	deliverMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	active     *job
	suppressed map[string]struct{}
	jobs       map[string]*job
	order      []string
}

func NewJobManager(parent context.Context, backend Backend, sink Sink, timeline Timeline, logger *slog.Logger) *JobManager {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "job-manager"))
	return &JobManager{
		backend:    backend,
		sink:       sink,
		timeline:   timeline,
		logger:     logger,
		metrics:    newJobMetrics(logger),
		tracer:     otel.Tracer(instrumentationName),
		clock:      time.Now,
		ctx:        ctx,
		cancel:     cancel,
		suppressed: make(map[string]struct{}),
		jobs:       make(map[string]*job),
	}
}

// Start mints a job id, supersedes any active job and runs req on a worker.
func (m *JobManager) Start(req SpeakRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyText
	}
	j := &job{
		id:   uuid.NewString(),
		req:  req,
		flag: NewCancelFlag(),
		done: make(chan struct{}),
	}
	j.info = JobInfo{
		ID:        j.id,
		Source:    req.Source,
		Backend:   m.backend.Name(),
		Status:    StatusStarted,
		StartedAt: m.clock().UTC(),
	}

	m.deliverMu.Lock()
	m.mu.Lock()
	if m.closed || m.ctx.Err() != nil {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return "", ErrClosed
	}
	// Added under mu so Close cannot be waiting already.
	m.wg.Add(1)
	if prev := m.active; prev != nil {
		prev.flag.Set()
		m.logger.Info("superseding active job", slog.String("job_id", prev.id), slog.String("next_job_id", j.id))
	}
	if len(m.suppressed) > maxSuppressedJobIDs {
		clear(m.suppressed)
	}
	delete(m.suppressed, j.id)
	m.active = j
	m.jobs[j.id] = j
	m.order = append(m.order, j.id)
	m.pruneLocked()
	m.mu.Unlock()
	m.deliverMu.Unlock()

	m.metrics.jobStarted(m.ctx, j.info.Backend)
	if m.timeline != nil {
		if err := m.timeline.RecordJob(m.ctx, j.id, req.Source, j.info.Backend, len([]rune(req.Text))); err != nil {
			m.logger.Warn("failed to record job", slog.String("job_id", j.id), slogError(err))
		}
	}
	m.publish(j, JobEvent{Type: EventJobStarted, JobID: j.id, Source: req.Source})

	go m.run(j)
	return j.id, nil
}

// Cancel cancels jobID, or the active job when jobID is empty. It reports the
// job it acted on and whether that job was still running.
func (m *JobManager) Cancel(jobID string) (string, bool) {
	m.mu.Lock()
	if jobID == "" && m.active != nil {
		jobID = m.active.id
	}
	j, ok := m.jobs[jobID]
	if !ok || j.terminal {
		m.mu.Unlock()
		return jobID, false
	}
	j.flag.Set()
	m.suppressed[jobID] = struct{}{}
	if m.active == j {
		m.active = nil
	}
	m.mu.Unlock()

	m.logger.Info("job cancel requested", slog.String("job_id", jobID))
	m.publish(j, JobEvent{Type: EventCancelRequested, JobID: jobID})
	return jobID, true
}

// Active returns the id of the running job, if any.
func (m *JobManager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.id
}

func (m *JobManager) Status(jobID string) (JobInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}
	return j.info, true
}

// Suppressed reports whether jobID was explicitly canceled.
func (m *JobManager) Suppressed(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suppressed[jobID]
	return ok
}

// Wait blocks until jobID has finished or ctx ends.
func (m *JobManager) Wait(ctx context.Context, jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return errors.New("unknown job " + jobID)
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running work and waits for workers to exit.
func (m *JobManager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.active != nil {
		m.active.flag.Set()
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *JobManager) run(j *job) {
	defer m.wg.Done()
	defer close(j.done)

	ctx, span := m.tracer.Start(m.ctx, "tts.job", trace.WithAttributes(
		attribute.String("job.id", j.id),
		attribute.String("job.backend", j.info.Backend),
		attribute.String("job.source", j.req.Source),
	))
	defer span.End()

	m.mu.Lock()
	j.info.Status = StatusStreaming
	m.mu.Unlock()

	logger := m.logger.With(slog.String("job_id", j.id))
	state, err := m.backend.Run(ctx, j.req, j.flag, m.chunkFunc(ctx, j))

	ev := JobEvent{JobID: j.id}
	status := StatusDone
	switch {
	case err != nil:
		status = StatusError
		ev.Type = EventJobError
		ev.Code = ErrorCode(err)
		ev.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("job failed", slog.String("code", ev.Code), slogError(err))
	case state == EndCanceled:
		status = StatusCanceled
		ev.Type = EventJobCanceled
		logger.Info("job canceled")
	default:
		ev.Type = EventJobDone
		logger.Info("job done")
	}

	m.mu.Lock()
	j.terminal = true
	j.info.Status = status
	j.info.FinishedAt = m.clock().UTC()
	j.info.Error = ev.Message
	ev.HadAudio = j.hadAudio
	if m.active == j {
		m.active = nil
	}
	_, suppressed := m.suppressed[j.id]
	m.mu.Unlock()

	m.metrics.jobFinished(ctx, j.info.Backend, status)
	span.SetAttributes(attribute.String("job.status", string(status)))
	if m.timeline != nil {
		if err := m.timeline.FinishJob(context.WithoutCancel(ctx), j.id, string(status)); err != nil {
			logger.Warn("failed to record job end", slogError(err))
		}
	}
	if suppressed {
		logger.Debug("dropping terminal event of suppressed job", slog.String("type", string(ev.Type)))
		m.record(j, ev)
		return
	}
	m.publish(j, ev)
}

func (m *JobManager) chunkFunc(ctx context.Context, j *job) ChunkFunc {
	return func(index int, pcm []int16, sampleRate int) error {
		m.deliverMu.Lock()
		defer m.deliverMu.Unlock()
		if j.flag.IsSet() {
			return errStopped
		}
		if err := m.sink.Chunk(j.id, index, pcm, sampleRate); err != nil {
			return err
		}

		m.mu.Lock()
		first := !j.hadAudio
		j.hadAudio = true
		j.info.Chunks++
		started := j.info.StartedAt
		m.mu.Unlock()

		m.metrics.chunkDelivered(ctx)
		if first {
			m.metrics.firstChunkLatency(ctx, float64(m.clock().Sub(started).Microseconds())/1000)
		}
		m.publish(j, JobEvent{
			Type:       EventAudioChunk,
			JobID:      j.id,
			ChunkIndex: index,
			SampleRate: sampleRate,
			Samples:    len(pcm),
		})
		return nil
	}
}

func (m *JobManager) publish(j *job, ev JobEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock().UTC()
	}
	m.record(j, ev)
	m.sink.Event(ev)
}

func (m *JobManager) record(j *job, ev JobEvent) {
	if m.timeline == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock().UTC()
	}
	if err := m.timeline.RecordEvent(context.WithoutCancel(m.ctx), j.id, string(ev.Type), ev); err != nil {
		m.logger.Warn("failed to record job event", slog.String("job_id", j.id), slog.String("type", string(ev.Type)), slogError(err))
	}
}

// pruneLocked drops the oldest finished jobs beyond maxRetainedJobs.
func (m *JobManager) pruneLocked() {
	if len(m.order) <= maxRetainedJobs {
		return
	}
	excess := len(m.order) - maxRetainedJobs
	kept := m.order[:0]
	for _, id := range m.order {
		j := m.jobs[id]
		if excess > 0 && j != nil && j.terminal {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
