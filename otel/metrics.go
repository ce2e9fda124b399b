package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowsim/flowsim"
)

// MetricsHandler translates simulator events into OpenTelemetry metrics.
// It records counters for steps, token lifecycle events, and gateway
// decisions, plus a histogram for run durations.
type MetricsHandler struct {
	steps            metric.Int64Counter
	tokensSpawned    metric.Int64Counter
	tokensCompleted  metric.Int64Counter
	tokensTerminated metric.Int64Counter
	gatewayDecisions metric.Int64Counter
	runDuration      metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording simulator metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	steps, err := meter.Int64Counter("flowsim.run.steps",
		metric.WithDescription("Number of simulation steps executed"),
	)
	if err != nil {
		return nil, err
	}

	spawned, err := meter.Int64Counter("flowsim.token.spawned",
		metric.WithDescription("Number of tokens created"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter("flowsim.token.completed",
		metric.WithDescription("Number of tokens that reached an end event or dead end"),
	)
	if err != nil {
		return nil, err
	}

	terminated, err := meter.Int64Counter("flowsim.token.terminated",
		metric.WithDescription("Number of tokens terminated due to unresolvable nodes"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter("flowsim.gateway.decisions",
		metric.WithDescription("Number of gateway routing decisions"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("flowsim.run.duration",
		metric.WithDescription("Duration of simulation run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		steps:            steps,
		tokensSpawned:    spawned,
		tokensCompleted:  completed,
		tokensTerminated: terminated,
		gatewayDecisions: decisions,
		runDuration:      runDur,
	}, nil
}

// Handle processes a simulator event and records the appropriate metrics.
// It implements flowsim.EventHandler semantics.
func (h *MetricsHandler) Handle(e flowsim.Event) {
	ctx := context.Background()

	switch e.Kind {
	case flowsim.EventStepCompleted:
		h.steps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	case flowsim.EventTokenSpawned:
		h.tokensSpawned.Add(ctx, 1, metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	case flowsim.EventTokenCompleted:
		h.tokensCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("run_id", e.RunID),
			attribute.String("node_id", e.NodeID),
		))
	case flowsim.EventTokenTerminated:
		h.tokensTerminated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	case flowsim.EventGatewayDecision:
		attrs := []attribute.KeyValue{
			attribute.String("run_id", e.RunID),
			attribute.String("node_id", e.NodeID),
		}
		if gw, found := e.Payload["gateway"]; found {
			if s, ok := gw.(string); ok {
				attrs = append(attrs, attribute.String("gateway", s))
			}
		}
		h.gatewayDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	case flowsim.EventRunFinished:
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	}
}
