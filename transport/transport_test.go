package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string        { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string      { return nil }
func (m *mockConfig) GetKafkaClientID() string       { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string  { return "" }
func (m *mockConfig) GetRabbitMQURL() string         { return "" }
func (m *mockConfig) GetNATSURL() string             { return "" }
func (m *mockConfig) GetJetStreamStream() string     { return "" }
func (m *mockConfig) GetHTTPServerAddress() string   { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string    { return "" }
func (m *mockConfig) GetIOFile() string              { return "" }
func (m *mockConfig) GetSQLiteFile() string          { return "" }
func (m *mockConfig) GetPostgresURL() string         { return "" }
func (m *mockConfig) GetPollInterval() time.Duration { return 0 }
func (m *mockConfig) GetAWSRegion() string           { return "" }
func (m *mockConfig) GetAWSAccountID() string        { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string      { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string  { return "" }
func (m *mockConfig) GetAWSEndpoint() string         { return "" }

type mockPublisher struct {
	closed   int
	closeErr error
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }

func (m *mockPublisher) Close() error {
	m.closed++
	return m.closeErr
}

type mockSubscriber struct {
	closed int
}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return nil
}

type pubSub struct {
	mockPublisher
}

func (p *pubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, nil
}

type closingDeclarer struct {
	closed bool
}

func (d *closingDeclarer) DeclareTopic(context.Context, TopicSpec) error { return nil }

func (d *closingDeclarer) Close() error {
	d.closed = true
	return nil
}

func TestTransportCloseClosesEverything(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}
	decl := &closingDeclarer{}

	tr := Transport{Publisher: pub, Subscriber: sub, Declarer: decl}
	require.NoError(t, tr.Close())

	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
	assert.True(t, decl.closed)
}

func TestTransportCloseSharedPubSubOnce(t *testing.T) {
	ps := &pubSub{}
	tr := Transport{Publisher: ps, Subscriber: ps}
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, ps.closed)
}

func TestTransportCloseJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	tr := Transport{Publisher: &mockPublisher{closeErr: boom}, Subscriber: &mockSubscriber{}}
	assert.ErrorIs(t, tr.Close(), boom)

	assert.NoError(t, Transport{}.Close())
}

func TestDeclarerFunc(t *testing.T) {
	var got TopicSpec
	var d Declarer = DeclarerFunc(func(_ context.Context, spec TopicSpec) error {
		got = spec
		return nil
	})

	spec := TopicSpec{Name: "orders", Partitions: 3, Replicas: 2, Retention: time.Hour, Compacting: true}
	require.NoError(t, d.DeclareTopic(context.Background(), spec))
	assert.Equal(t, spec, got)
}

func TestCapabilitiesProviderInterface(t *testing.T) {
	var p CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", p.Capabilities().Name)
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities { return Capabilities{Name: "test"} }
