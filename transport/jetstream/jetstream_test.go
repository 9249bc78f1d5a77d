package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/transporttest"
)

type fakeJetStream struct {
	streams    map[string]*nats.StreamConfig
	published  []*nats.Msg
	seq        map[string]uint64
	addErr     error
	publishErr error
	consumers  []*nats.ConsumerConfig
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.streams == nil {
		f.streams = map[string]*nats.StreamConfig{}
	}
	if _, ok := f.streams[cfg.Name]; ok {
		return nil, nats.ErrStreamNameAlreadyInUse
	}
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	if f.seq == nil {
		f.seq = map[string]uint64{}
	}
	f.seq[m.Subject]++
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: "s", Sequence: f.seq[m.Subject]}, nil
}

func (f *fakeJetStream) AddConsumer(_ string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.consumers = append(f.consumers, cfg)
	return nil, errors.New("consumer exists")
}

func (f *fakeJetStream) UpdateConsumer(string, *nats.ConsumerConfig, ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return nil, errors.New("stream not found")
}

func (f *fakeJetStream) PullSubscribe(string, string, ...nats.SubOpt) (*nats.Subscription, error) {
	return nil, errors.New("unexpected subscribe")
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *fakeJetStream) {
	t.Helper()
	js := &fakeJetStream{}
	orig := Connect
	t.Cleanup(func() { Connect = orig })
	Connect = func(string) (*nats.Conn, JetStream, error) { return nil, js, nil }

	tr, err := New(cfg, watermill.NopLogger{})
	require.NoError(t, err)
	return tr, js
}

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "jetstream", caps.Name)
	assert.True(t, caps.SupportsDeclare)
	assert.True(t, caps.SupportsOffsets)
	assert.Equal(t, transport.JetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, DefaultStream, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{URL: "nats://localhost:4222", StreamName: "CUSTOM", MaxDeliver: 5, AckWait: time.Minute}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestBuild(t *testing.T) {
	js := &fakeJetStream{}
	orig := Connect
	defer func() { Connect = orig }()
	var gotURL string
	Connect = func(url string) (*nats.Conn, JetStream, error) {
		gotURL = url
		return nil, js, nil
	}

	cfg := &transporttest.Config{NATSURL: "nats://n:4222", JetStreamStream: "ORDERS"}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "nats://n:4222", gotURL)
	assert.Same(t, tr.Publisher, tr.Subscriber)
	assert.NotNil(t, tr.Declarer)
	require.NoError(t, tr.Close())

	Connect = func(string) (*nats.Conn, JetStream, error) { return nil, nil, errors.New("refused") }
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "refused")
}

func TestDeclareTopic(t *testing.T) {
	tr, js := newTestTransport(t, Config{StreamName: "APP"})
	ctx := context.Background()
	spec := transport.TopicSpec{Name: "orders.created", Replicas: 3, Retention: time.Hour, Compacting: true}

	require.NoError(t, tr.DeclareTopic(ctx, spec))
	require.NoError(t, tr.DeclareTopic(ctx, spec))

	stream := js.streams["APP_orders_created"]
	require.NotNil(t, stream)
	assert.Equal(t, []string{"APP.orders.created"}, stream.Subjects)
	assert.Equal(t, 3, stream.Replicas)
	assert.Equal(t, time.Hour, stream.MaxAge)
	assert.Equal(t, int64(1), stream.MaxMsgsPerSubject)

	js.addErr = errors.New("insufficient resources")
	assert.EqualError(t, tr.DeclareTopic(ctx, transport.TopicSpec{Name: "audit"}), "insufficient resources")
}

func TestPublishWithReceipt(t *testing.T) {
	tr, js := newTestTransport(t, Config{})
	ts := time.UnixMilli(1_700_000_000_000)

	for i := range 3 {
		msg := message.NewMessage(watermill.NewUUID(), []byte("v"))
		msg.Metadata.Set("trace", "abc")
		metadata.SetTimestamp(msg.Metadata, ts)

		receipt, err := tr.PublishWithReceipt("orders", msg)
		require.NoError(t, err)
		assert.Equal(t, int64(i), receipt.Offset)
		assert.Equal(t, int32(0), receipt.Partition)
		assert.Equal(t, ts, receipt.Timestamp)
	}

	require.Len(t, js.published, 3)
	sent := js.published[0]
	assert.Equal(t, DefaultStream+".orders", sent.Subject)
	assert.Equal(t, "abc", sent.Header.Get("trace"))
	assert.NotEmpty(t, sent.Header.Get(nats.MsgIdHdr))
}

func TestPublishFailure(t *testing.T) {
	tr, js := newTestTransport(t, Config{})
	js.publishErr = nats.ErrNoStreamResponse

	err := tr.Publish("orders", message.NewMessage("1", nil))
	assert.ErrorIs(t, err, nats.ErrNoStreamResponse)
}

func TestSubscribeWithoutStream(t *testing.T) {
	tr, js := newTestTransport(t, Config{MaxDeliver: 7})

	_, err := tr.Subscribe(context.Background(), "orders")
	assert.ErrorContains(t, err, "failed to create consumer")
	require.Len(t, js.consumers, 1)
	assert.Equal(t, 7, js.consumers[0].MaxDeliver)
	assert.Equal(t, DefaultStream+".orders", js.consumers[0].FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, js.consumers[0].AckPolicy)
}

func TestClosedTransport(t *testing.T) {
	tr, _ := newTestTransport(t, Config{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish("orders", message.NewMessage("1", nil)), sferrors.ErrTransportClosed)
	_, err := tr.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, sferrors.ErrTransportClosed)
	assert.ErrorIs(t, tr.DeclareTopic(context.Background(), transport.TopicSpec{Name: "x"}), sferrors.ErrTransportClosed)
}

func TestToWatermill(t *testing.T) {
	msg := toWatermill(&nats.Msg{
		Subject: "S.orders",
		Data:    []byte("payload"),
		Header:  nats.Header{nats.MsgIdHdr: []string{"id-7"}, "trace": []string{"abc"}},
	})
	assert.Equal(t, "id-7", msg.UUID)
	assert.Equal(t, "payload", string(msg.Payload))
	assert.Equal(t, "abc", msg.Metadata.Get("trace"))
	assert.NotContains(t, msg.Metadata, nats.MsgIdHdr)
	// plain messages carry no JetStream reply subject
	assert.Equal(t, int64(-1), metadata.Offset(msg.Metadata))
}
