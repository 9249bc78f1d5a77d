// Package channel provides an in-process transport built on Go channels.
// It is meant for tests and local development. Records keep publish order per
// topic, and records sent before anyone subscribes wait for the first
// subscriber.
package channel

import (
	"context"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the default per subscriber buffer.
const OutputBuffer = 256

// Backlog is the default number of records a topic keeps for its first
// subscriber.
const Backlog = 4096

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := NewPubSub(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Config{OutputBuffer: OutputBuffer, Backlog: Backlog}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
		Declarer:   NewDeclarer(),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Declarer remembers declared topics. Go channels need no setup, so this
// only gives tests and tooling something to inspect.
type Declarer struct {
	mu     sync.Mutex
	topics map[string]transport.TopicSpec
}

// NewDeclarer returns a Declarer with no topics.
func NewDeclarer() *Declarer {
	return &Declarer{topics: map[string]transport.TopicSpec{}}
}

// DeclareTopic records spec unless the topic is already known.
func (d *Declarer) DeclareTopic(ctx context.Context, spec transport.TopicSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.topics[spec.Name]; !ok {
		d.topics[spec.Name] = spec
	}
	return nil
}

// Topic returns the spec a topic was first declared with.
func (d *Declarer) Topic(name string) (transport.TopicSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	spec, ok := d.topics[name]
	return spec, ok
}

// Topics returns the declared topic names in sorted order.
func (d *Declarer) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.topics))
	for name := range d.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
