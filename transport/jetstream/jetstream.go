// Package jetstream provides a NATS JetStream transport for streamflow.
//
// Every topic is backed by its own stream, so the stream sequence of a
// message is its offset within the topic.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultStream prefixes stream and subject names.
	DefaultStream = "STREAMFLOW"

	fetchBatch = 10
)

// JetStream is the part of nats.JetStreamContext the transport uses.
type JetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Connect allows overriding the connection for testing. The returned
// connection may be nil.
var Connect = func(url string) (*nats.Conn, JetStream, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Declarer:   t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName prefixes the per topic streams. Defaults to DefaultStream.
	StreamName string

	MaxDeliver int
	AckWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Transport publishes to, consumes from and declares JetStream streams.
type Transport struct {
	nc     *nats.Conn
	js     JetStream
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
}

var (
	_ transport.ReceiptPublisher = (*Transport)(nil)
	_ transport.Declarer         = (*Transport)(nil)
)

// New connects to NATS.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	nc, js, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Transport{
		nc:         nc,
		js:         js,
		config:     cfg.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}, nil
}

// DeclareTopic creates the stream backing spec.Name. An existing stream is
// left as it is.
func (t *Transport) DeclareTopic(ctx context.Context, spec transport.TopicSpec) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	cfg := &nats.StreamConfig{
		Name:      t.streamName(spec.Name),
		Subjects:  []string{t.subject(spec.Name)},
		Retention: nats.LimitsPolicy,
		MaxAge:    spec.Retention,
		Replicas:  max(int(spec.Replicas), 1),
	}
	if spec.Compacting {
		cfg.MaxMsgsPerSubject = 1
	}
	_, err := t.js.AddStream(cfg, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

// Publish publishes messages to the JetStream stream of topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if _, err := t.PublishWithReceipt(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishWithReceipt publishes msg and returns the stream sequence, counted
// from zero, as its offset.
func (t *Transport) PublishWithReceipt(topic string, msg *message.Message) (transport.Receipt, error) {
	if err := t.checkOpen(); err != nil {
		return transport.Receipt{}, err
	}
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)

	ack, err := t.js.PublishMsg(&nats.Msg{
		Subject: t.subject(topic),
		Data:    msg.Payload,
		Header:  headers,
	})
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	ts, ok := metadata.Timestamp(msg.Metadata)
	if !ok {
		ts = time.Now()
	}
	return transport.Receipt{
		Topic:     topic,
		Partition: 0,
		Offset:    int64(ack.Sequence) - 1,
		Timestamp: ts,
	}, nil
}

// Subscribe consumes topic through a durable pull consumer. The topic must
// have been declared.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	stream := t.streamName(topic)
	durable := "consumer_" + stream
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: t.subject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(stream, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(t.subject(topic), durable, nats.BindStream(stream))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := toWatermill(natsMsg)
			select {
			case output <- wmMsg:
				go t.settle(ctx, natsMsg, wmMsg)
			case <-ctx.Done():
				return
			}
		}
	}
}

// settle relays the consumer's verdict to the server.
func (t *Transport) settle(ctx context.Context, natsMsg *nats.Msg, wmMsg *message.Message) {
	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, nil)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, nil)
		}
	case <-ctx.Done():
	case <-t.closedChan:
	}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	wmMsg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		metadata.SetPartition(wmMsg.Metadata, 0)
		metadata.SetOffset(wmMsg.Metadata, int64(meta.Sequence.Stream)-1)
		if _, ok := metadata.Timestamp(wmMsg.Metadata); !ok {
			metadata.SetTimestamp(wmMsg.Metadata, meta.Timestamp)
		}
	}
	return wmMsg
}

// streamName maps a topic to a valid stream name.
func (t *Transport) streamName(topic string) string {
	return t.config.StreamName + "_" + streamSafe.Replace(topic)
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

var streamSafe = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")

func (t *Transport) checkOpen() error {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return sferrors.ErrTransportClosed
	}
	return nil
}

// Close stops all consumers and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}
