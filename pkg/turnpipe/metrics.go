package turnpipe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the OTel instruments turnpipe components report
// against. Construct one with NewMetrics and share it across every
// session in a process; DefaultMetrics is provided for callers that
// don't need test isolation.
type Metrics struct {
	PhaseLatency      metric.Float64Histogram
	DroppedUpdates    metric.Int64Counter
	TurnsCommitted    metric.Int64Counter
	Interruptions     metric.Int64Counter
	LLMErrors         metric.Int64Counter
	TTSDowngrades     metric.Int64Counter
}

// NewMetrics registers instruments against meter. Pass
// otel.GetMeterProvider().Meter("turnpipe") in production, or a no-op
// meter in tests that don't care about metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	phaseLatency, err := meter.Float64Histogram(
		"turnpipe.cascade.phase_latency_ms",
		metric.WithDescription("Wall-clock time from TurnCommitted to each phase transition"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter(
		"turnpipe.turn_detector.dropped_updates",
		metric.WithDescription("Transcription updates dropped as malformed or out-of-order"),
	)
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter(
		"turnpipe.turn_detector.turns_committed",
		metric.WithDescription("Turns committed, by final update or silence timeout alike"),
	)
	if err != nil {
		return nil, err
	}
	interruptions, err := meter.Int64Counter(
		"turnpipe.interruption_arbiter.interruptions",
		metric.WithDescription("Generations cancelled due to user interruption"),
	)
	if err != nil {
		return nil, err
	}
	llmErrors, err := meter.Int64Counter(
		"turnpipe.cascade.llm_errors",
		metric.WithDescription("LLM driver errors, by kind"),
	)
	if err != nil {
		return nil, err
	}
	ttsDowngrades, err := meter.Int64Counter(
		"turnpipe.cascade.tts_downgrades",
		metric.WithDescription("Turns where TTS failed and only text was published"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		PhaseLatency:   phaseLatency,
		DroppedUpdates: dropped,
		TurnsCommitted: committed,
		Interruptions:  interruptions,
		LLMErrors:      llmErrors,
		TTSDowngrades:  ttsDowngrades,
	}, nil
}

// DefaultMetrics is backed by the global no-op meter until a process
// installs a real MeterProvider and calls NewMetrics itself; components
// that received a nil *Metrics fall back to this so instrumentation
// calls are always safe no-ops rather than nil-pointer panics.
var DefaultMetrics = mustNoopMetrics()

func mustNoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("turnpipe"))
	if err != nil {
		// The no-op provider never rejects instrument registration.
		panic(err)
	}
	return m
}

func metricsOrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics
	}
	return m
}

func recordDropped(ctx context.Context, m *Metrics) {
	metricsOrDefault(m).DroppedUpdates.Add(ctx, 1)
}

func recordTurnCommitted(ctx context.Context, m *Metrics) {
	metricsOrDefault(m).TurnsCommitted.Add(ctx, 1)
}

func recordInterruption(ctx context.Context, m *Metrics) {
	metricsOrDefault(m).Interruptions.Add(ctx, 1)
}

func recordLLMError(ctx context.Context, m *Metrics, kind ErrorKind) {
	metricsOrDefault(m).LLMErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordTTSDowngrade(ctx context.Context, m *Metrics) {
	metricsOrDefault(m).TTSDowngrades.Add(ctx, 1)
}

func recordPhaseLatency(ctx context.Context, m *Metrics, phase PhaseState, elapsedMS float64) {
	metricsOrDefault(m).PhaseLatency.Record(ctx, elapsedMS, metric.WithAttributes(attribute.String("phase", phase.String())))
}
