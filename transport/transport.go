// Package transport defines how streamflow talks to a message backend. Each
// backend lives in its own sub-package and registers a Builder with the
// registry under the name used in Config.PubSubSystem.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport bundles what a backend provides. Declarer is nil when topics are
// created implicitly on first use.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Declarer   Declarer
}

// Close closes publisher and subscriber, and the declarer when it holds
// resources of its own.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	// a single pub/sub value often plays both roles
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	if c, ok := t.Declarer.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// TopicSpec describes a topic to declare.
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	// Retention of zero keeps the backend default.
	Retention  time.Duration
	Compacting bool
	Deleting   bool
	// Config holds backend specific settings, for example Kafka topic configs.
	Config map[string]string
}

// Declarer creates topics. Implementations must treat an existing topic as
// success.
type Declarer interface {
	DeclareTopic(ctx context.Context, spec TopicSpec) error
}

// DeclarerFunc adapts a function to Declarer.
type DeclarerFunc func(ctx context.Context, spec TopicSpec) error

func (f DeclarerFunc) DeclareTopic(ctx context.Context, spec TopicSpec) error { return f(ctx, spec) }

// Receipt is the position a backend assigned to a published message.
type Receipt struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// ReceiptPublisher is implemented by publishers that learn where a message
// was stored.
type ReceiptPublisher interface {
	message.Publisher
	PublishWithReceipt(topic string, msg *message.Message) (Receipt, error)
}

// Config provides the values transports read. It is implemented by the
// runtime config.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetJetStreamStream() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetSQLiteFile() string
	GetPostgresURL() string
	GetPollInterval() time.Duration

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that report their
// capabilities at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
