package kafka

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

// SyncProducer is the part of sarama.SyncProducer the publisher uses.
type SyncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// NewMarshaler returns a marshaler that uses the record key carried in the
// message headers as the Kafka message key.
func NewMarshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		key, err := metadata.Key(msg.Metadata)
		if err != nil {
			return "", fmt.Errorf("kafka: decode record key: %w", err)
		}
		return string(key), nil
	})
}

// Publisher sends Watermill messages through a sarama SyncProducer and
// reports where each one was stored.
type Publisher struct {
	producer  SyncProducer
	marshaler kafka.Marshaler
}

var _ transport.ReceiptPublisher = (*Publisher)(nil)

func NewPublisher(producer SyncProducer, marshaler kafka.Marshaler) *Publisher {
	return &Publisher{producer: producer, marshaler: marshaler}
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		if _, err := p.PublishWithReceipt(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishWithReceipt sends msg and returns its partition and offset. A
// partition header pins the record to that partition.
func (p *Publisher) PublishWithReceipt(topic string, msg *message.Message) (transport.Receipt, error) {
	pm, err := p.marshaler.Marshal(topic, msg)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("kafka: marshal message %s: %w", msg.UUID, err)
	}
	if _, ok := msg.Metadata[metadata.HeaderKey]; !ok {
		// keyless records are spread by the partitioner instead of hashing ""
		pm.Key = nil
	}
	if partition := metadata.Partition(msg.Metadata); partition >= 0 {
		pm.Partition = partition
		pm.Metadata = pinned{}
	}
	if ts, ok := metadata.Timestamp(msg.Metadata); ok {
		pm.Timestamp = ts
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return transport.Receipt{}, err
	}
	return transport.Receipt{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: pm.Timestamp,
	}, nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// pinned marks producer messages whose partition was chosen by the caller.
type pinned struct{}

// NewPartitioner is a sarama.PartitionerConstructor that keeps pinned
// partitions and hashes the key for everything else.
func NewPartitioner(topic string) sarama.Partitioner {
	return &partitioner{fallback: sarama.NewHashPartitioner(topic)}
}

type partitioner struct {
	fallback sarama.Partitioner
}

var errPartitionOutOfRange = errors.New("kafka: partition out of range")

func (p *partitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if _, ok := msg.Metadata.(pinned); ok {
		if msg.Partition < 0 || msg.Partition >= numPartitions {
			return -1, fmt.Errorf("%w: %d of %d", errPartitionOutOfRange, msg.Partition, numPartitions)
		}
		return msg.Partition, nil
	}
	return p.fallback.Partition(msg, numPartitions)
}

func (p *partitioner) RequiresConsistency() bool { return true }
