package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// PositionSubscriber copies the partition and offset that the Kafka
// subscriber keeps in the message context into the message headers.
type PositionSubscriber struct {
	message.Subscriber
}

func (s PositionSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	in, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			annotate(msg)
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func annotate(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	if partition, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		metadata.SetPartition(msg.Metadata, partition)
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
		metadata.SetOffset(msg.Metadata, offset)
	}
}
