package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	transitions metric.Int64Counter
	approvals   metric.Int64Counter
	webhooks    metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

// counters are created once on the global meter; the global delegates to
// whatever provider Setup installs later.
func counters() instruments {
	instOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error
		if inst.transitions, err = meter.Int64Counter("flowgate.workitem.transitions",
			metric.WithDescription("Phase transitions applied")); err != nil {
			slog.Warn("create metric", "error", err)
		}
		if inst.approvals, err = meter.Int64Counter("flowgate.approvals.resolved",
			metric.WithDescription("Approval requests resolved, by status")); err != nil {
			slog.Warn("create metric", "error", err)
		}
		if inst.webhooks, err = meter.Int64Counter("flowgate.webhooks.ingested",
			metric.WithDescription("Webhook deliveries, by source and outcome")); err != nil {
			slog.Warn("create metric", "error", err)
		}
	})
	return inst
}

func RecordTransition(ctx context.Context, from, to string) {
	if c := counters().transitions; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
	}
}

func RecordApproval(ctx context.Context, action, status string) {
	if c := counters().approvals; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action), attribute.String("status", status)))
	}
}

func RecordWebhook(ctx context.Context, source, outcome string) {
	if c := counters().webhooks; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("outcome", outcome)))
	}
}
