package tts

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/voicereader/tts"

type jobMetrics struct {
	started    metric.Int64Counter
	finished   metric.Int64Counter
	chunks     metric.Int64Counter
	firstChunk metric.Float64Histogram
}

func newJobMetrics(logger *slog.Logger) *jobMetrics {
	meter := otel.Meter(instrumentationName)
	m := &jobMetrics{}
	var err error
	if m.started, err = meter.Int64Counter("voicereader.jobs.started", metric.WithDescription("Speak jobs started")); err != nil {
		logger.Warn("failed to create jobs.started counter", slogError(err))
	}
	if m.finished, err = meter.Int64Counter("voicereader.jobs.finished", metric.WithDescription("Speak jobs finished by end state")); err != nil {
		logger.Warn("failed to create jobs.finished counter", slogError(err))
	}
	if m.chunks, err = meter.Int64Counter("voicereader.chunks.delivered", metric.WithDescription("Audio chunks handed to the sink")); err != nil {
		logger.Warn("failed to create chunks.delivered counter", slogError(err))
	}
	if m.firstChunk, err = meter.Float64Histogram("voicereader.job.first_chunk_ms",
		metric.WithDescription("Time from job start to first delivered chunk"),
		metric.WithUnit("ms"),
	); err != nil {
		logger.Warn("failed to create first_chunk histogram", slogError(err))
	}
	return m
}

func (m *jobMetrics) jobStarted(ctx context.Context, backend string) {
	if m.started != nil {
		m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	}
}

func (m *jobMetrics) jobFinished(ctx context.Context, backend string, state JobStatus) {
	if m.finished != nil {
		m.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", string(state)),
		))
	}
}

func (m *jobMetrics) chunkDelivered(ctx context.Context) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
}

func (m *jobMetrics) firstChunkLatency(ctx context.Context, ms float64) {
	if m.firstChunk != nil {
		m.firstChunk.Record(ctx, ms)
	}
}
