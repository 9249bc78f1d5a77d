// Package nats provides a NATS Core transport for streamflow. NATS Core has
// no persistence, so topics need no declaration and offsets are counted by
// the producer.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// DefaultReconnectWait is the pause between reconnect attempts.
const DefaultReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Config holds the NATS Core settings.
type Config struct {
	URL string
	// ClientName identifies the connection in NATS monitoring.
	ClientName string
	// QueueGroup makes app instances sharing it split each subject's
	// messages between them. Empty means every instance sees every message.
	QueueGroup string
}

// Options returns the connection options for c.
func (c Config) Options() []nc.Option {
	opts := []nc.Option{
		nc.MaxReconnects(-1),
		nc.ReconnectWait(DefaultReconnectWait),
	}
	if c.ClientName != "" {
		opts = append(opts, nc.Name(c.ClientName))
	}
	return opts
}

// PublisherConfig returns the Watermill publisher settings for c.
func (c Config) PublisherConfig() wmnats.PublisherConfig {
	return wmnats.PublisherConfig{
		URL:         c.URL,
		NatsOptions: c.Options(),
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream:   wmnats.JetStreamConfig{Disabled: true},
	}
}

// SubscriberConfig returns the Watermill subscriber settings for c. A single
// subscriber per subject keeps records in publish order.
func (c Config) SubscriberConfig() wmnats.SubscriberConfig {
	return wmnats.SubscriberConfig{
		URL:              c.URL,
		QueueGroupPrefix: c.QueueGroup,
		SubscribersCount: 1,
		NatsOptions:      c.Options(),
		Unmarshaler:      &wmnats.NATSMarshaler{},
		JetStream:        wmnats.JetStreamConfig{Disabled: true},
	}
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	c := Config{
		URL:        cfg.GetNATSURL(),
		ClientName: cfg.GetKafkaClientID(),
		QueueGroup: cfg.GetKafkaConsumerGroup(),
	}

	publisher, err := PublisherFactory(c.PublisherConfig(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(c.SubscriberConfig(), logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
