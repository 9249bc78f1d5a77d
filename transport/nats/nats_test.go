package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsDeclare)
	assert.True(t, caps.SynthesizesOffsets())
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func withFactories(t *testing.T) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{
		NATSURL:            "nats://localhost:4222",
		KafkaClientID:      "orders-app",
		KafkaConsumerGroup: "orders",
	}

	t.Run("creates transport with mocked factories", func(t *testing.T) {
		withFactories(t)
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}

		PublisherFactory = func(c wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", c.URL)
			assert.True(t, c.JetStream.Disabled)
			assert.Len(t, c.NatsOptions, 3)
			return pub, nil
		}
		SubscriberFactory = func(c wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "nats://localhost:4222", c.URL)
			assert.Equal(t, "orders", c.QueueGroupPrefix)
			assert.Equal(t, 1, c.SubscribersCount)
			assert.True(t, c.JetStream.Disabled)
			return sub, nil
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Nil(t, tr.Declarer)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		withFactories(t)
		PublisherFactory = func(wmnats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.EqualError(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		withFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(wmnats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(wmnats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.EqualError(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestConfigOptions(t *testing.T) {
	assert.Len(t, Config{URL: "nats://x"}.Options(), 2)
	assert.Len(t, Config{URL: "nats://x", ClientName: "app"}.Options(), 3)

	sub := Config{URL: "nats://x"}.SubscriberConfig()
	assert.Empty(t, sub.QueueGroupPrefix)
	assert.NotNil(t, sub.Unmarshaler)
}
