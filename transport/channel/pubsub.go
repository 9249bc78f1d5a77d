package channel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("streamflow: channel pub/sub closed")
	// ErrBacklogFull is returned when a topic without subscribers already
	// retains Config.Backlog messages.
	ErrBacklogFull = errors.New("streamflow: channel backlog full")
)

// Config holds the PubSub settings.
type Config struct {
	// OutputBuffer is the buffer of each subscriber's output channel.
	OutputBuffer int
	// Backlog caps the messages a topic retains while nobody subscribes.
	Backlog int
}

// PubSub is an in-process Publisher and Subscriber that keeps publish order
// per topic. Every subscriber receives every message of its topic, in the
// order they were published. A nacked message is sent again before any
// message published after it. Messages published while a topic has no
// subscriber are retained for the next one, as are messages a leaving
// subscriber never acked.
type PubSub struct {
	cfg    Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	topics  map[string]*topicState
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

type topicState struct {
	seq     uint64
	backlog []entry
	subs    []*subscriber
}

// entry orders a message inside its topic.
type entry struct {
	seq uint64
	msg *message.Message
}

func compareEntry(e entry, seq uint64) int { return cmp.Compare(e.seq, seq) }

func insert(q []entry, e entry) []entry {
	i, _ := slices.BinarySearchFunc(q, e.seq, compareEntry)
	return slices.Insert(q, i, e)
}

// NewPubSub returns an empty PubSub. Zero config values fall back to
// OutputBuffer and Backlog.
func NewPubSub(cfg Config, logger watermill.LoggerAdapter) *PubSub {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = OutputBuffer
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = Backlog
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		cfg:     cfg,
		logger:  logger,
		topics:  map[string]*topicState{},
		closing: make(chan struct{}),
	}
}

// topicLocked must be called with p.mu held.
func (p *PubSub) topicLocked(name string) *topicState {
	ts, ok := p.topics[name]
	if !ok {
		ts = &topicState{}
		p.topics[name] = ts
	}
	return ts
}

func (p *PubSub) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	ts := p.topicLocked(topic)
	for _, msg := range msgs {
		if len(ts.subs) == 0 && len(ts.backlog) >= p.cfg.Backlog {
			return fmt.Errorf("%w: topic %q holds %d messages", ErrBacklogFull, topic, len(ts.backlog))
		}
		ts.seq++
		e := entry{seq: ts.seq, msg: msg.Copy()}
		if len(ts.subs) == 0 {
			ts.backlog = append(ts.backlog, e)
			continue
		}
		for _, s := range ts.subs {
			s.push(e)
		}
	}
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	ts := p.topicLocked(topic)
	s := &subscriber{
		ctx:      ctx,
		out:      make(chan *message.Message, p.cfg.OutputBuffer),
		wake:     make(chan struct{}, 1),
		queue:    ts.backlog,
		inflight: map[uint64]flight{},
	}
	ts.backlog = nil
	ts.subs = append(ts.subs, s)

	p.wg.Add(1)
	go p.run(topic, s)
	return s.out, nil
}

// Close stops every subscriber and closes their output channels.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// run sends the subscriber's queue in order. It does not wait for an ack
// before sending the next message.
func (p *PubSub) run(topic string, s *subscriber) {
	defer p.wg.Done()
	defer close(s.out)

	for {
		e, sent, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				p.detach(topic, s)
				return
			case <-p.closing:
				return
			}
		}

		select {
		case s.out <- sent:
		case <-s.ctx.Done():
			s.settle(e, true)
			p.detach(topic, s)
			return
		case <-p.closing:
			return
		}
		go p.watch(topic, s, e, sent)
	}
}

func (p *PubSub) watch(topic string, s *subscriber, e entry, sent *message.Message) {
	select {
	case <-sent.Acked():
		s.settle(e, false)
	case <-sent.Nacked():
		p.logger.Trace("Nack received, resending message", watermill.LogFields{"topic": topic, "message_uuid": e.msg.UUID})
		s.settle(e, true)
	case <-s.ctx.Done():
	case <-p.closing:
	}
}

// detach removes s from topic. Whatever s still queues or has in flight is
// retained for the next subscriber when s was the last one.
func (p *PubSub) detach(topic string, s *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.topicLocked(topic)
	ts.subs = slices.DeleteFunc(ts.subs, func(other *subscriber) bool { return other == s })
	left := s.detach()
	if p.closed || len(ts.subs) > 0 {
		return
	}
	for _, e := range left {
		ts.backlog = insert(ts.backlog, e)
	}
	if len(left) > 0 {
		p.logger.Debug("Retaining undelivered messages", watermill.LogFields{"topic": topic, "count": len(left)})
	}
}

type subscriber struct {
	ctx  context.Context
	out  chan *message.Message
	wake chan struct{}

	mu       sync.Mutex
	queue    []entry
	inflight map[uint64]flight
	detached bool
}

// push queues e in topic order.
func (s *subscriber) push(e entry) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.queue = insert(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// flight is an entry handed to the subscriber and not yet settled.
type flight struct {
	entry
	sent *message.Message
}

// pop moves the next entry in flight and returns the copy to send.
func (s *subscriber) pop() (entry, *message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return entry{}, nil, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	sent := e.msg.Copy()
	sent.SetContext(s.ctx)
	s.inflight[e.seq] = flight{entry: e, sent: sent}
	return e, sent, true
}

// settle takes e out of flight, back into the queue when resend is set.
func (s *subscriber) settle(e entry, resend bool) {
	s.mu.Lock()
	if _, ok := s.inflight[e.seq]; !ok || s.detached {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, e.seq)
	if resend {
		s.queue = insert(s.queue, e)
	}
	s.mu.Unlock()
	if resend {
		s.signal()
	}
}

func (s *subscriber) detach() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	left := s.queue
	for _, f := range s.inflight {
		select {
		case <-f.sent.Acked():
			continue
		default:
		}
		left = insert(left, f.entry)
	}
	s.queue, s.inflight = nil, nil
	return left
}
