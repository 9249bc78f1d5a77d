// Package transporttest provides helpers for testing transport backends.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a transport.Config with plain fields.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	JetStreamStream    string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	IOFile             string
	SQLiteFile         string
	PostgresURL        string
	PollInterval       time.Duration
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetPubSubSystem() string        { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string      { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string       { return c.KafkaClientID }
func (c *Config) GetKafkaConsumerGroup() string  { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string         { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string             { return c.NATSURL }
func (c *Config) GetJetStreamStream() string     { return c.JetStreamStream }
func (c *Config) GetHTTPServerAddress() string   { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string    { return c.HTTPPublisherURL }
func (c *Config) GetIOFile() string              { return c.IOFile }
func (c *Config) GetSQLiteFile() string          { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string         { return c.PostgresURL }
func (c *Config) GetPollInterval() time.Duration { return c.PollInterval }
func (c *Config) GetAWSRegion() string           { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string        { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string      { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string  { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string         { return c.AWSEndpoint }

// Publisher records published messages.
type Publisher struct {
	mu       sync.Mutex
	Messages map[string][]*message.Message
	Err      error
	Closed   bool
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = map[string][]*message.Message{}
	}
	p.Messages[topic] = append(p.Messages[topic], msgs...)
	return nil
}

// Published returns a copy of the messages sent to topic.
func (p *Publisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Messages[topic]...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber hands out one channel per topic that tests feed directly.
type Subscriber struct {
	mu         sync.Mutex
	channels   map[string]chan *message.Message
	subscribes map[string]int
	Err        error
	Closed     bool
}

func (s *Subscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	if s.subscribes == nil {
		s.subscribes = map[string]int{}
	}
	s.subscribes[topic]++
	s.mu.Unlock()
	return s.Channel(topic), nil
}

// Subscriptions returns how often topic was subscribed.
func (s *Subscriber) Subscriptions(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[topic]
}

// Drop closes the channel of topic the way a lost connection would. The
// next Subscribe gets a fresh channel.
func (s *Subscriber) Drop(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		close(ch)
		delete(s.channels, topic)
	}
}

// Channel returns the channel backing topic, creating it on first use.
func (s *Subscriber) Channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = map[string]chan *message.Message{}
	}
	ch, ok := s.channels[topic]
	if !ok {
		ch = make(chan *message.Message, 16)
		s.channels[topic] = ch
	}
	return ch
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return nil
	}
	s.Closed = true
	for _, ch := range s.channels {
		close(ch)
	}
	return nil
}
