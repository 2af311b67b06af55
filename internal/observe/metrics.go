// Package observe provides application-wide observability primitives for the
// gateway: OpenTelemetry metrics and the SDK provider wiring behind the
// /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/yw0nam/DesktopMatePlus-sub000"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. The convenience methods tolerate a nil receiver
// so callers can run without metrics wired.
type Metrics struct {
	// TurnDuration tracks the wall-clock span of a turn from start to its
	// terminal state. Use with attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// TTSChunks counts emitted tts_ready_chunk events.
	TTSChunks metric.Int64Counter

	// ToolCalls counts completed tool invocations. Use with
	// attribute.String("status", ...).
	ToolCalls metric.Int64Counter

	// InterruptedTurns counts turns whose first terminal transition was an
	// interrupt.
	InterruptedTurns metric.Int64Counter

	// ActiveConnections tracks the number of registered WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveTurns tracks the number of non-terminal turns across connections.
	ActiveTurns metric.Int64UpDownCounter
}

// turnBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational turns.
var turnBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("gateway.turn.duration",
		metric.WithDescription("Turn duration from start to terminal state, by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSChunks, err = m.Int64Counter("gateway.tts.chunks",
		metric.WithDescription("Total emitted tts_ready_chunk events."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("gateway.tool.calls",
		metric.WithDescription("Total tool invocations by status."),
	); err != nil {
		return nil, err
	}
	if met.InterruptedTurns, err = m.Int64Counter("gateway.turns.interrupted",
		metric.WithDescription("Total turns interrupted before completion."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("gateway.active_connections",
		metric.WithDescription("Number of registered WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("gateway.active_turns",
		metric.WithDescription("Number of non-terminal turns."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// The convenience methods below use a background context: the recording call
// sites sit deep in per-turn goroutines that own no request context.

// ConnectionOpened records a new registered connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(context.Background(), 1)
}

// ConnectionClosed records a deregistered connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(context.Background(), -1)
}

// TurnStarted records a newly created turn.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(context.Background(), 1)
}

// TurnEnded records a turn's first transition into a terminal state.
func (m *Metrics) TurnEnded(status string, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.ActiveTurns.Add(ctx, -1)
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// TurnInterrupted advances the interrupted-turn counter.
func (m *Metrics) TurnInterrupted() {
	if m == nil {
		return
	}
	m.InterruptedTurns.Add(context.Background(), 1)
}

// TTSChunkEmitted counts one emitted tts_ready_chunk.
func (m *Metrics) TTSChunkEmitted() {
	if m == nil {
		return
	}
	m.TTSChunks.Add(context.Background(), 1)
}

// ToolCall counts one completed tool invocation.
func (m *Metrics) ToolCall(status string) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}
