// Package observe provides the observability primitives shared by voicelink:
// OpenTelemetry metrics for the capture and playback engines, tracing
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Tests should build their own [Metrics] with
// [NewMetrics] and a [sdkmetric.ManualReader] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Turn stages reported by [Metrics.RecordTurnStage].
const (
	StageSTT   = "stt"
	StageAgent = "agent"
	StageTTS   = "tts"
	StageTotal = "total"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesEmitted counts 1600-sample frames delivered to the frame sink.
	FramesEmitted metric.Int64Counter

	// FramesDropped counts frames discarded because the consumer fell
	// behind.
	FramesDropped metric.Int64Counter

	// CaptureBlocks counts native device blocks processed.
	CaptureBlocks metric.Int64Counter

	// CaptureSamples counts native samples processed.
	CaptureSamples metric.Int64Counter

	// SinkErrors counts frames the frame sink failed to store, including
	// frames skipped while its circuit breaker was open.
	SinkErrors metric.Int64Counter

	// --- Playback ---

	// ChunksPushed counts encoded chunks handed to the scheduler.
	ChunksPushed metric.Int64Counter

	// DecodeErrors counts chunks dropped as undecodable or unschedulable.
	DecodeErrors metric.Int64Counter

	// Underruns counts scheduling decisions where the cursor had fallen
	// behind the device clock.
	Underruns metric.Int64Counter

	// UnderrunLag tracks how far behind the clock the cursor was.
	UnderrunLag metric.Float64Histogram

	// ActiveSources tracks the number of scheduled, not yet finished sources.
	ActiveSources metric.Int64UpDownCounter

	// ScheduledAudio accumulates the duration of scheduled audio.
	ScheduledAudio metric.Float64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TurnStageDuration tracks per-stage turn latency. Use with attribute:
	//   attribute.String("stage", ...)
	TurnStageDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesEmitted, "voicelink.capture.frames", "Frames delivered to the frame sink."},
		{&met.FramesDropped, "voicelink.capture.frames_dropped", "Frames dropped because the consumer fell behind."},
		{&met.CaptureBlocks, "voicelink.capture.blocks", "Native device blocks processed."},
		{&met.CaptureSamples, "voicelink.capture.samples", "Native samples processed."},
		{&met.SinkErrors, "voicelink.capture.sink_errors", "Frames the frame sink failed to store."},
		{&met.ChunksPushed, "voicelink.playback.chunks", "Encoded playback chunks received."},
		{&met.DecodeErrors, "voicelink.playback.decode_errors", "Playback chunks dropped as undecodable or unschedulable."},
		{&met.Underruns, "voicelink.playback.underruns", "Scheduling decisions that found the cursor behind the clock."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.UnderrunLag, err = m.Float64Histogram("voicelink.playback.underrun_lag",
		metric.WithDescription("How far the playback cursor had fallen behind the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Counter("voicelink.playback.scheduled_audio",
		metric.WithDescription("Total duration of audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ActiveSources, err = m.Int64UpDownCounter("voicelink.playback.active_sources",
		metric.WithDescription("Number of scheduled playback sources that have not finished."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of running sessions."),
	); err != nil {
		return nil, err
	}

	if met.TurnStageDuration, err = m.Float64Histogram("voicelink.turn.stage.duration",
		metric.WithDescription("Latency of each turn stage by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUnderrun counts one underrun and records its lag.
func (m *Metrics) RecordUnderrun(ctx context.Context, lag time.Duration) {
	m.Underruns.Add(ctx, 1)
	m.UnderrunLag.Record(ctx, lag.Seconds())
}

// RecordScheduled records one scheduled source of length dur.
func (m *Metrics) RecordScheduled(ctx context.Context, dur time.Duration) {
	m.ActiveSources.Add(ctx, 1)
	m.ScheduledAudio.Add(ctx, dur.Seconds())
}

// RecordTurnStage records the latency of one turn stage.
func (m *Metrics) RecordTurnStage(ctx context.Context, stage string, d time.Duration) {
	m.TurnStageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
