package channel

import (
	"context"
	"time"

	"github.com/drblury/streamflow/internal/runtime/codecs"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

// AppContext is what a channel needs from the application that owns it.
// Channels never own the app; several channels share one.
type AppContext interface {
	Producer() Producer
	// Declarer may return nil when the transport creates topics implicitly.
	Declarer() transport.Declarer
	Codecs() *codecs.Registry
	KeySerializer() string
	ValueSerializer() string
	Logger() logging.ServiceLogger
	Observer() Observer
	Now() time.Time
	// Channel resolves a topic channel by name.
	Channel(name string) (Channel, error)
}

// ProducerRecord is a serialized record ready for the transport.
type ProducerRecord struct {
	Topic string
	// Partition is -1 when the transport may choose.
	Partition int32
	Key       []byte
	Value     []byte
	Headers   metadata.Metadata
	Timestamp time.Time
}

// Producer hands records to the transport.
type Producer interface {
	Publish(ctx context.Context, rec *ProducerRecord) (RecordMetadata, error)
}

// RecordMetadata describes where a record ended up.
type RecordMetadata struct {
	Topic               string
	Partition           int32
	Offset              int64
	Timestamp           time.Time
	SerializedKeySize   int
	SerializedValueSize int
}

// Observer receives channel activity. Label is the topic name or "memory".
type Observer interface {
	Delivered(label string)
	DecodeFailed(label string, err error)
	Sent(label string, elapsed time.Duration, err error)
	Declared(label string, err error)
	Acked(label string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Delivered(string)                  {}
func (NopObserver) DecodeFailed(string, error)        {}
func (NopObserver) Sent(string, time.Duration, error) {}
func (NopObserver) Declared(string, error)            {}
func (NopObserver) Acked(string)                      {}
