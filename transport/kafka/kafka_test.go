package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/transporttest"
)

type fakeProducer struct {
	sent      []*sarama.ProducerMessage
	partition int32
	err       error
	closed    bool
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if p.err != nil {
		return -1, -1, p.err
	}
	p.sent = append(p.sent, msg)
	partition := p.partition
	if _, ok := msg.Metadata.(pinned); ok {
		partition = msg.Partition
	}
	return partition, int64(len(p.sent) + 99), nil
}

func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

type fakeAdmin struct {
	topics map[string]*sarama.TopicDetail
	err    error
	closed bool
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	if a.err != nil {
		return a.err
	}
	if a.topics == nil {
		a.topics = map[string]*sarama.TopicDetail{}
	}
	if _, ok := a.topics[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	a.topics[topic] = detail
	return nil
}

func (a *fakeAdmin) Close() error {
	a.closed = true
	return nil
}

func withFactories(t *testing.T, prod *fakeProducer, admin *fakeAdmin, sub message.Subscriber) {
	t.Helper()
	origProd, origAdmin, origSub := ProducerFactory, AdminFactory, SubscriberFactory
	t.Cleanup(func() {
		ProducerFactory, AdminFactory, SubscriberFactory = origProd, origAdmin, origSub
	})
	ProducerFactory = func([]string, *sarama.Config) (SyncProducer, error) { return prod, nil }
	AdminFactory = func([]string, *sarama.Config) (TopicAdmin, error) { return admin, nil }
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, nil
	}
}

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsOffsets)
	assert.True(t, caps.SupportsPartitioning)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("wires producer, admin and subscriber", func(t *testing.T) {
		prod, admin, sub := &fakeProducer{}, &fakeAdmin{}, &transporttest.Subscriber{}
		withFactories(t, prod, admin, sub)

		var subCfg kafka.SubscriberConfig
		SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return sub, nil
		}

		cfg := &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "workers",
			KafkaClientID:      "orders-svc",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.Equal(t, []string{"localhost:9092"}, subCfg.Brokers)
		assert.Equal(t, "workers", subCfg.ConsumerGroup)
		assert.Equal(t, "orders-svc", subCfg.OverwriteSaramaConfig.ClientID)
		assert.IsType(t, &Publisher{}, tr.Publisher)
		assert.IsType(t, PositionSubscriber{}, tr.Subscriber)
		assert.IsType(t, &Declarer{}, tr.Declarer)

		require.NoError(t, tr.Close())
		assert.True(t, prod.closed)
		assert.True(t, admin.closed)
		assert.True(t, sub.Closed)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("closes producer when admin fails", func(t *testing.T) {
		prod := &fakeProducer{}
		withFactories(t, prod, nil, nil)
		AdminFactory = func([]string, *sarama.Config) (TopicAdmin, error) { return nil, errors.New("no admin") }

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.EqualError(t, err, "no admin")
		assert.True(t, prod.closed)
	})

	t.Run("closes producer and admin when subscriber fails", func(t *testing.T) {
		prod, admin := &fakeProducer{}, &fakeAdmin{}
		withFactories(t, prod, admin, nil)
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("no subscriber")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.EqualError(t, err, "no subscriber")
		assert.True(t, prod.closed)
		assert.True(t, admin.closed)
	})
}

func TestProducerConfig(t *testing.T) {
	sc := ProducerConfig("svc")
	assert.Equal(t, "svc", sc.ClientID)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}

func TestPublishWithReceipt(t *testing.T) {
	prod := &fakeProducer{partition: 4}
	pub := NewPublisher(prod, NewMarshaler())

	ts := time.UnixMilli(1_700_000_000_000)
	msg := message.NewMessage("id-1", []byte(`{"a":1}`))
	metadata.SetKey(msg.Metadata, []byte("user-1"))
	metadata.SetTimestamp(msg.Metadata, ts)

	receipt, err := pub.PublishWithReceipt("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, transport.Receipt{Topic: "orders", Partition: 4, Offset: 100, Timestamp: ts}, receipt)

	require.Len(t, prod.sent, 1)
	key, err := prod.sent[0].Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "user-1", string(key))
	assert.Nil(t, prod.sent[0].Metadata)
}

func TestPublishPinnedPartition(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewPublisher(prod, NewMarshaler())

	msg := message.NewMessage("id-1", []byte("v"))
	metadata.SetPartition(msg.Metadata, 2)
	receipt, err := pub.PublishWithReceipt("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), receipt.Partition)
	assert.Nil(t, prod.sent[0].Key)
}

func TestPublishFailure(t *testing.T) {
	boom := errors.New("not enough replicas")
	pub := NewPublisher(&fakeProducer{err: boom}, NewMarshaler())
	err := pub.Publish("orders", message.NewMessage("1", nil), message.NewMessage("2", nil))
	assert.ErrorIs(t, err, boom)
}

func TestPartitioner(t *testing.T) {
	p := NewPartitioner("orders")
	assert.True(t, p.RequiresConsistency())

	got, err := p.Partition(&sarama.ProducerMessage{Partition: 3, Metadata: pinned{}}, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(3), got)

	_, err = p.Partition(&sarama.ProducerMessage{Partition: 4, Metadata: pinned{}}, 4)
	assert.ErrorIs(t, err, errPartitionOutOfRange)

	keyed := &sarama.ProducerMessage{Key: sarama.StringEncoder("user-1")}
	first, err := p.Partition(keyed, 8)
	require.NoError(t, err)
	second, err := p.Partition(keyed, 8)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeclarer(t *testing.T) {
	admin := &fakeAdmin{}
	d := NewDeclarer(admin)
	spec := transport.TopicSpec{Name: "orders", Partitions: 6, Replicas: 3}

	require.NoError(t, d.DeclareTopic(context.Background(), spec))
	require.NoError(t, d.DeclareTopic(context.Background(), spec))
	require.Contains(t, admin.topics, "orders")
	assert.Equal(t, int32(6), admin.topics["orders"].NumPartitions)
	assert.Equal(t, int16(3), admin.topics["orders"].ReplicationFactor)

	admin.err = errors.New("unauthorized")
	assert.EqualError(t, d.DeclareTopic(context.Background(), transport.TopicSpec{Name: "audit"}), "unauthorized")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.DeclareTopic(ctx, spec), context.Canceled)
}

func TestTopicDetail(t *testing.T) {
	detail := TopicDetail(transport.TopicSpec{
		Name:       "orders",
		Retention:  2 * time.Hour,
		Compacting: true,
		Deleting:   true,
		Config:     map[string]string{"min.insync.replicas": "2"},
	})
	assert.Equal(t, int32(1), detail.NumPartitions)
	assert.Equal(t, int16(1), detail.ReplicationFactor)
	assert.Equal(t, "7200000", *detail.ConfigEntries["retention.ms"])
	assert.Equal(t, "compact,delete", *detail.ConfigEntries["cleanup.policy"])
	assert.Equal(t, "2", *detail.ConfigEntries["min.insync.replicas"])

	detail = TopicDetail(transport.TopicSpec{Name: "plain", Compacting: true, Config: map[string]string{"cleanup.policy": "delete"}})
	assert.Equal(t, "delete", *detail.ConfigEntries["cleanup.policy"])
	assert.NotContains(t, detail.ConfigEntries, "retention.ms")
}

func TestPositionSubscriberPassesMessages(t *testing.T) {
	inner := &transporttest.Subscriber{}
	sub := PositionSubscriber{Subscriber: inner}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := sub.Subscribe(ctx, "orders")
	require.NoError(t, err)

	msg := message.NewMessage("1", []byte("v"))
	msg.Metadata = nil
	inner.Channel("orders") <- msg

	select {
	case got := <-out:
		assert.Same(t, msg, got)
		assert.NotNil(t, got.Metadata)
		assert.Equal(t, int32(-1), metadata.Partition(got.Metadata))
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}

	require.NoError(t, inner.Close())
	_, open := <-out
	assert.False(t, open)
}

func TestPositionSubscriberError(t *testing.T) {
	sub := PositionSubscriber{Subscriber: &transporttest.Subscriber{Err: errors.New("down")}}
	_, err := sub.Subscribe(context.Background(), "orders")
	assert.EqualError(t, err, "down")
}
