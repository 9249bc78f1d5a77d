package channel

import (
	"context"
	"sync/atomic"
	"weak"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
)

// Event is a decoded record on its way through a consumer.
type Event struct {
	Key     any
	Value   any
	Message *Message

	app AppContext
	// owner routes acks back to the buffer the event came from without
	// keeping that buffer alive.
	owner  weak.Pointer[queue]
	acked  atomic.Bool
	nacked atomic.Bool
}

func newEvent(app AppContext, key, value any, msg *Message, q *queue) *Event {
	e := &Event{Key: key, Value: value, Message: msg, app: app}
	if q != nil {
		e.owner = weak.Make(q)
	}
	return e
}

// App returns the application the event belongs to.
func (e *Event) App() AppContext { return e.app }

// Send publishes a new record to target.
func (e *Event) Send(ctx context.Context, target Channel, opts ...SendOption) (*FutureMessage, error) {
	if target == nil {
		return nil, sferrors.ErrTopicRequired
	}
	return target.Send(ctx, opts...)
}

// SendTopic publishes a new record to the topic called name.
func (e *Event) SendTopic(ctx context.Context, name string, opts ...SendOption) (*FutureMessage, error) {
	target, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return target.Send(ctx, opts...)
}

// Forward re-publishes this event to target. Key, value and user headers
// default to the event's own; opts override them.
func (e *Event) Forward(ctx context.Context, target Channel, opts ...SendOption) (*FutureMessage, error) {
	return e.Send(ctx, target, e.forwardOptions(opts)...)
}

// ForwardTopic is Forward addressed by topic name.
func (e *Event) ForwardTopic(ctx context.Context, name string, opts ...SendOption) (*FutureMessage, error) {
	target, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return target.Send(ctx, e.forwardOptions(opts)...)
}

func (e *Event) resolve(name string) (Channel, error) {
	if name == "" {
		return nil, sferrors.ErrTopicRequired
	}
	if e.app == nil {
		return nil, sferrors.ErrAppRequired
	}
	return e.app.Channel(name)
}

func (e *Event) forwardOptions(opts []SendOption) []SendOption {
	defaults := []SendOption{WithKey(e.Key), WithValue(e.Value)}
	if e.Message != nil && len(e.Message.Headers) > 0 {
		defaults = append(defaults, WithHeaders(e.Message.Headers.User()))
	}
	return append(defaults, opts...)
}

// Ack marks the event as processed. Only the first call has an effect. The
// transport is told unless the owning channel was closed or collected.
func (e *Event) Ack() {
	if !e.acked.CompareAndSwap(false, true) {
		return
	}
	if q := e.owner.Value(); q != nil {
		q.ack(e.Message)
	}
}

func (e *Event) Acked() bool { return e.acked.Load() }

// nack asks the transport to redeliver. It is a no-op after Ack.
func (e *Event) nack() {
	if e.acked.Load() || !e.nacked.CompareAndSwap(false, true) {
		return
	}
	if q := e.owner.Value(); q != nil {
		q.nack(e.Message)
	}
}

// Process runs fn and acks the event when fn returns nil. On error or panic
// the event stays unacked and the transport is asked to redeliver; panics
// propagate after that.
func (e *Event) Process(fn func(*Event) error) (err error) {
	finished := false
	defer func() {
		if !finished || err != nil {
			e.nack()
			return
		}
		e.Ack()
	}()
	err = fn(e)
	finished = true
	return err
}
