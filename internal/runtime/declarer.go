package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamflow/transport"
)

// TracingDeclarer runs every declaration of the wrapped declarer inside a
// span.
type TracingDeclarer struct {
	next   transport.Declarer
	tracer trace.Tracer
}

// NewTracingDeclarer wraps next. It returns nil when next is nil so that
// transports without declarations stay that way.
func NewTracingDeclarer(next transport.Declarer, tracer trace.Tracer) transport.Declarer {
	if next == nil {
		return nil
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingDeclarer{next: next, tracer: tracer}
}

func (d *TracingDeclarer) DeclareTopic(ctx context.Context, spec transport.TopicSpec) error {
	ctx, span := d.tracer.Start(ctx, "streamflow.declare",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", spec.Name),
			attribute.Int("streamflow.topic.partitions", int(spec.Partitions)),
			attribute.Int("streamflow.topic.replicas", int(spec.Replicas)),
		),
	)
	defer span.End()

	if err := d.next.DeclareTopic(ctx, spec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Unwrap returns the wrapped declarer.
func (d *TracingDeclarer) Unwrap() transport.Declarer { return d.next }
