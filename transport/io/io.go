// Package io provides a file backed transport for streamflow. Every record
// is one JSON line; the position of a record among the lines of its topic is
// its offset.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "messages.log"

// PollInterval is how long a subscriber waits at the end of the file before
// looking for new lines.
var PollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// storedMessage is one line of the file.
type storedMessage struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Offset   int64             `json:"offset"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu      sync.Mutex
	offsets map[string]int64
}

var _ transport.ReceiptPublisher = (*Publisher)(nil)

func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish writes messages to the file.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if _, err := p.PublishWithReceipt(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishWithReceipt appends msg and returns its offset within topic.
func (p *Publisher) PublishWithReceipt(topic string, msg *message.Message) (transport.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offsets == nil {
		offsets, err := countRecords(p.filePath)
		if err != nil {
			return transport.Receipt{}, err
		}
		p.offsets = offsets
	}

	offset := p.offsets[topic]
	b, err := jsoncodec.Marshal(storedMessage{
		UUID:     msg.UUID,
		Topic:    topic,
		Offset:   offset,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
	if err != nil {
		return transport.Receipt{}, err
	}

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return transport.Receipt{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return transport.Receipt{}, err
	}
	p.offsets[topic] = offset + 1

	ts, ok := metadata.Timestamp(msg.Metadata)
	if !ok {
		ts = time.Now()
	}
	return transport.Receipt{Topic: topic, Partition: 0, Offset: offset, Timestamp: ts}, nil
}

// countRecords returns the number of records per topic already in the file.
func countRecords(path string) (map[string]int64, error) {
	offsets := map[string]int64{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return offsets, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var sm storedMessage
		if err := jsoncodec.Unmarshal(scanner.Bytes(), &sm); err != nil {
			continue
		}
		offsets[sm.Topic] = max(offsets[sm.Topic], sm.Offset+1)
	}
	return offsets, scanner.Err()
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails a file.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
}

func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{filePath: filePath, logger: logger, closing: make(chan struct{})}
}

// Subscribe streams the records of topic from the start of the file and
// keeps following it. The next record is read once the previous one was
// acked or nacked.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()

		reader := bufio.NewReader(f)
		var partial []byte
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				// keep an unfinished line until the writer completes it
				partial = append(partial, line...)
				if !s.wait(ctx) {
					return
				}
				continue
			}
			if err != nil {
				s.logger.Error("Failed to read file", err, watermill.LogFields{"file": s.filePath})
				return
			}
			if len(partial) > 0 {
				line = append(partial, line...)
				partial = nil
			}
			if !s.processMessage(ctx, out, line, topic) {
				return
			}
		}
	}()

	return out, nil
}

func (s *Subscriber) wait(ctx context.Context) bool {
	t := time.NewTimer(PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// Close stops all subscriptions.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return nil
}

func (s *Subscriber) processMessage(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var sm storedMessage
	if err := jsoncodec.Unmarshal(line, &sm); err != nil {
		s.logger.Error("Failed to unmarshal message", err, nil)
		return true
	}
	if sm.Topic != topic {
		return true
	}

	msg := message.NewMessage(sm.UUID, sm.Payload)
	for k, v := range sm.Metadata {
		msg.Metadata.Set(k, v)
	}
	metadata.SetPartition(msg.Metadata, 0)
	metadata.SetOffset(msg.Metadata, sm.Offset)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}
