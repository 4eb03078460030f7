// Package observe provides observability primitives for the phone agent:
// OpenTelemetry metrics with a Prometheus exporter bridge so the usual
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/garbo-ai/garbo"

// Metrics holds all metric instruments for the application. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// --- Audio bridge ---

	// BridgeBytesIn counts linear-16 bytes read from the SIP audio socket.
	BridgeBytesIn metric.Int64Counter

	// BridgeBytesOut counts linear-16 bytes written to the SIP audio socket.
	BridgeBytesOut metric.Int64Counter

	// BridgeQueueDepth tracks μ-law frames queued for playout.
	BridgeQueueDepth metric.Int64UpDownCounter

	// --- Pipeline latency histograms ---

	// STTLatency tracks speech-to-text latency as reported by the STT
	// subprocess.
	STTLatency metric.Float64Histogram

	// LLMFirstToken tracks time to first streamed LLM token.
	LLMFirstToken metric.Float64Histogram

	// TTSSentenceDuration tracks per-sentence synthesis wall time.
	TTSSentenceDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts completed agent utterances. Attribute: backend.
	Utterances metric.Int64Counter

	// ToolCalls counts tool invocations surfaced by a backend.
	ToolCalls metric.Int64Counter

	// BackendErrors counts errors reported through the backend error
	// callback. Attribute: backend.
	BackendErrors metric.Int64Counter

	// BargeIns counts caller interruptions accepted by the local pipeline.
	BargeIns metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks live call sessions. In practice 0 or 1; the PID
	// lock enforces a single session per host.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments on mp. Pass otel.GetMeterProvider()
// for production use.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.BridgeBytesIn, err = meter.Int64Counter("garbo.bridge.bytes_in",
		metric.WithDescription("Linear-16 bytes read from the SIP audio socket"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.BridgeBytesOut, err = meter.Int64Counter("garbo.bridge.bytes_out",
		metric.WithDescription("Linear-16 bytes written to the SIP audio socket"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.BridgeQueueDepth, err = meter.Int64UpDownCounter("garbo.bridge.queue_depth",
		metric.WithDescription("Frames queued for playout"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.STTLatency, err = meter.Float64Histogram("garbo.stt.latency",
		metric.WithDescription("Speech-to-text latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.LLMFirstToken, err = meter.Float64Histogram("garbo.llm.first_token",
		metric.WithDescription("Time to first streamed LLM token"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.TTSSentenceDuration, err = meter.Float64Histogram("garbo.tts.sentence_duration",
		metric.WithDescription("Per-sentence synthesis wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.Utterances, err = meter.Int64Counter("garbo.utterances",
		metric.WithDescription("Completed agent utterances")); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("garbo.tool_calls",
		metric.WithDescription("Tool invocations surfaced by a backend")); err != nil {
		return nil, err
	}
	if m.BackendErrors, err = meter.Int64Counter("garbo.backend.errors",
		metric.WithDescription("Errors reported by the voice backend")); err != nil {
		return nil, err
	}
	if m.BargeIns, err = meter.Int64Counter("garbo.barge_ins",
		metric.WithDescription("Caller interruptions accepted by the local pipeline")); err != nil {
		return nil, err
	}
	if m.ActiveCalls, err = meter.Int64UpDownCounter("garbo.active_calls",
		metric.WithDescription("Live call sessions")); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide Metrics instance backed by the global
// meter provider, creating it on first use.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument names are fixed, so creation cannot fail in
			// practice; fall back to no-op instruments rather than nil.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
