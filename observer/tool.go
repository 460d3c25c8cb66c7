package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/penguin"
)

// WrapTool returns spec with its invoker wrapped to count executions
// and record dispatch duration, tagged by tool name and outcome.
func WrapTool(spec penguin.ToolSpec, inst *Instruments) penguin.ToolSpec {
	if inst == nil || spec.Invoke == nil {
		return spec
	}
	name := spec.Name
	inner := spec.Invoke
	spec.Invoke = func(ctx context.Context, tc penguin.ToolContext, payload string, args json.RawMessage) (string, error) {
		start := time.Now()
		out, err := inner(ctx, tc, payload, args)
		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(status),
		)
		inst.ToolExecutions.Add(ctx, 1, attrs)
		inst.ToolDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
		return out, err
	}
	return spec
}

// BusCounter returns a bus handler that counts published messages.
// Subscribe it with an empty filter to count everything.
func BusCounter(inst *Instruments) penguin.BusHandler {
	return func(m penguin.BusMessage) {
		inst.BusMessages.Add(context.Background(), 1, metric.WithAttributes(
			AttrBusChannel.String(m.Channel),
			AttrBusKind.String(string(m.Kind)),
		))
	}
}
