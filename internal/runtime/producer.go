package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamflow/internal/runtime/channel"
	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

const tracerName = "github.com/drblury/streamflow"

// TransportProducer turns producer records into Watermill messages.
//
// Publishers that report receipts supply the real partition and offset.
// For the rest the producer counts offsets per topic and writes them into
// the message headers before publishing, so subscribers see the same
// positions.
type TransportProducer struct {
	publisher message.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	counters map[string]*offsetCounter
}

type offsetCounter struct {
	mu   sync.Mutex
	next int64
}

var _ channel.Producer = (*TransportProducer)(nil)

// NewTransportProducer wraps publisher. A nil tracer uses the global
// OpenTelemetry provider.
func NewTransportProducer(publisher message.Publisher, tracer trace.Tracer, now func() time.Time) *TransportProducer {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if now == nil {
		now = time.Now
	}
	return &TransportProducer{
		publisher: publisher,
		tracer:    tracer,
		now:       now,
		counters:  make(map[string]*offsetCounter),
	}
}

// NewMessage builds the Watermill message for rec. Key, timestamp and the
// requested partition travel as headers.
func NewMessage(rec *channel.ProducerRecord, now time.Time) *message.Message {
	msg := message.NewMessage(ids.New(), rec.Value)
	msg.Metadata = metadata.ToWatermill(rec.Headers)
	metadata.SetKey(msg.Metadata, rec.Key)
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = now
	}
	metadata.SetTimestamp(msg.Metadata, ts)
	if rec.Partition >= 0 {
		metadata.SetPartition(msg.Metadata, rec.Partition)
	}
	return msg
}

// Publish hands rec to the transport and reports where it was stored.
func (p *TransportProducer) Publish(ctx context.Context, rec *channel.ProducerRecord) (channel.RecordMetadata, error) {
	if p == nil || p.publisher == nil {
		return channel.RecordMetadata{}, sferrors.ErrProducerRequired
	}
	if rec == nil || rec.Topic == "" {
		return channel.RecordMetadata{}, sferrors.ErrTopicRequired
	}

	ctx, span := p.tracer.Start(ctx, "streamflow.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.Int("messaging.message.body.size", len(rec.Value)),
		),
	)
	defer span.End()

	msg := NewMessage(rec, p.now())
	msg.SetContext(ctx)
	span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))

	md, err := p.publish(rec, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return channel.RecordMetadata{}, err
	}
	span.SetAttributes(
		attribute.Int("messaging.destination.partition.id", int(md.Partition)),
		attribute.Int64("messaging.message.offset", md.Offset),
	)
	return md, nil
}

func (p *TransportProducer) publish(rec *channel.ProducerRecord, msg *message.Message) (channel.RecordMetadata, error) {
	if rp, ok := p.publisher.(transport.ReceiptPublisher); ok {
		receipt, err := rp.PublishWithReceipt(rec.Topic, msg)
		if err != nil {
			return channel.RecordMetadata{}, err
		}
		return channel.RecordMetadata{
			Topic:     receipt.Topic,
			Partition: receipt.Partition,
			Offset:    receipt.Offset,
			Timestamp: receipt.Timestamp,
		}, nil
	}

	ts, _ := metadata.Timestamp(msg.Metadata)
	partition := max(rec.Partition, 0)
	metadata.SetPartition(msg.Metadata, partition)

	// the counter stays locked until the publish returns so offsets follow
	// publish order and a failed publish does not leave a gap
	c := p.counter(rec.Topic)
	c.mu.Lock()
	defer c.mu.Unlock()

	offset := c.next
	metadata.SetOffset(msg.Metadata, offset)
	if err := p.publisher.Publish(rec.Topic, msg); err != nil {
		return channel.RecordMetadata{}, err
	}
	c.next++

	return channel.RecordMetadata{
		Topic:     rec.Topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: ts,
	}, nil
}

func (p *TransportProducer) counter(topic string) *offsetCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[topic]
	if !ok {
		c = &offsetCounter{}
		p.counters[topic] = c
	}
	return c
}
