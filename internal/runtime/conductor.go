package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/streamflow/internal/runtime/channel"
	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// ErrConductorRunning is returned when Run is called while a previous Run
// has not returned.
var ErrConductorRunning = errors.New("streamflow: conductor is already running")

// DefaultResubscribeDelay is the pause before a dropped subscription is
// opened again.
const DefaultResubscribeDelay = time.Second

// Conductor subscribes every registered topic channel on the transport and
// delivers incoming records to it. Topics added while it runs are subscribed
// right away.
type Conductor struct {
	subscriber message.Subscriber
	logger     logging.ServiceLogger
	tracer     trace.Tracer
	now        func() time.Time

	resubscribeDelay time.Duration

	mu       sync.Mutex
	topics   map[string]*channel.Topic
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// NewConductor creates a conductor reading from subscriber.
func NewConductor(subscriber message.Subscriber, logger logging.ServiceLogger, tracer trace.Tracer, now func() time.Time) *Conductor {
	if logger == nil {
		logger = logging.Nop()
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if now == nil {
		now = time.Now
	}
	return &Conductor{
		subscriber: subscriber,
		logger:     logger,
		tracer:     tracer,
		now:        now,
		topics:     make(map[string]*channel.Topic),

		resubscribeDelay: DefaultResubscribeDelay,
	}
}

// Add registers t. The first channel registered for a topic name receives
// its records; later ones are ignored.
func (c *Conductor) Add(t *channel.Topic) {
	name, _ := t.TopicName()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[name]; ok {
		return
	}
	c.topics[name] = t
	if c.group != nil && c.groupCtx.Err() == nil {
		c.start(t)
	}
}

// Topics returns the registered topic names in order.
func (c *Conductor) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run consumes all topics until ctx ends or a subscription fails. It
// returns nil when ctx ends or Stop is called.
func (c *Conductor) Run(ctx context.Context) error {
	if c.subscriber == nil {
		return fmt.Errorf("conductor: %w", sferrors.ErrTransportClosed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	c.mu.Lock()
	if c.group != nil {
		c.mu.Unlock()
		return ErrConductorRunning
	}
	c.group, c.groupCtx, c.cancel = g, gctx, cancel
	// hold the group open until ctx ends so late topics can join
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, name := range c.sortedNamesLocked() {
		c.start(c.topics[name])
	}
	c.mu.Unlock()

	c.logger.Info("Conductor started", logging.LogFields{"topics": len(c.Topics())})
	err := g.Wait()

	c.mu.Lock()
	c.group, c.groupCtx, c.cancel = nil, nil, nil
	c.mu.Unlock()

	c.logger.Info("Conductor stopped", nil)
	if err != nil && runCtx.Err() == nil {
		return err
	}
	return nil
}

// Stop ends a running Run as if its context had ended. Subscriptions that
// close afterwards are not opened again.
func (c *Conductor) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Conductor) sortedNamesLocked() []string {
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// start must be called with c.mu held.
func (c *Conductor) start(t *channel.Topic) {
	ctx := c.groupCtx
	c.group.Go(func() error { return c.consume(ctx, t) })
}

// consume keeps t subscribed until ctx ends. A subscription the transport
// closes on its own is opened again after the topic is declared anew.
func (c *Conductor) consume(ctx context.Context, t *channel.Topic) error {
	name, _ := t.TopicName()
	log := c.logger.With(logging.LogFields{"topic": name})

	for {
		dropped, err := c.subscribe(ctx, t, name, log)
		if err != nil || !dropped {
			return err
		}

		log.Info("Subscription closed, resubscribing", logging.LogFields{"delay": c.resubscribeDelay.String()})
		t.ResetDeclaration()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.resubscribeDelay):
		}
	}
}

// subscribe delivers one subscription of t. It reports whether the
// transport dropped the subscription while ctx and t were still open.
func (c *Conductor) subscribe(ctx context.Context, t *channel.Topic, name string, log logging.ServiceLogger) (bool, error) {
	// backends such as jetstream need the stream before a consumer can bind
	if err := t.MaybeDeclare(ctx); err != nil {
		return false, err
	}

	msgs, err := c.subscriber.Subscribe(ctx, name)
	if err != nil {
		log.Error("Subscribe failed", err, nil)
		return false, fmt.Errorf("subscribe %q: %w", name, err)
	}
	log.Debug("Subscribed", nil)

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case msg, ok := <-msgs:
			if !ok {
				log.Debug("Subscription closed", nil)
				return ctx.Err() == nil, nil
			}
			if err := c.deliver(ctx, t, name, msg); err != nil {
				msg.Nack()
				if errors.Is(err, sferrors.ErrChannelClosed) || ctx.Err() != nil {
					return false, nil
				}
				log.Error("Delivery failed", err, nil)
			}
		}
	}
}

func (c *Conductor) deliver(ctx context.Context, t *channel.Topic, name string, msg *message.Message) error {
	rec := c.ToMessage(name, msg)

	_, span := c.tracer.Start(msg.Context(), "streamflow.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", name),
			attribute.String("messaging.message.id", msg.UUID),
			attribute.Int("messaging.destination.partition.id", int(rec.Partition)),
			attribute.Int64("messaging.message.offset", rec.Offset),
		),
	)
	defer span.End()

	return t.Deliver(ctx, rec)
}

// ToMessage converts a transport message into a record for topic. Acking or
// nacking the resulting event settles msg.
func (c *Conductor) ToMessage(topic string, msg *message.Message) *channel.Message {
	key, err := metadata.Key(msg.Metadata)
	if err != nil {
		c.logger.Error("Invalid key header", err, logging.LogFields{"topic": topic, "uuid": msg.UUID})
	}
	ts, ok := metadata.Timestamp(msg.Metadata)
	if !ok {
		ts = c.now()
	}

	rec := &channel.Message{
		Topic:     topic,
		Partition: max(metadata.Partition(msg.Metadata), 0),
		Offset:    metadata.Offset(msg.Metadata),
		Timestamp: ts,
		Key:       key,
		Value:     msg.Payload,
		Headers:   metadata.FromWatermill(msg.Metadata),
	}
	return rec.WithHooks(func() { msg.Ack() }, func() { msg.Nack() })
}
