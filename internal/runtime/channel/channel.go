// Package channel implements the conduits that carry typed key/value events
// between producers and consumers.
//
// A Memory channel buffers events in process. A Topic channel is backed by a
// transport: records arrive through Deliver and sends go through the app's
// Producer. Both share the same buffering, decoding and sending rules.
package channel

import (
	"context"
	"errors"
	"fmt"
	"iter"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/internal/runtime/schema"
	"github.com/drblury/streamflow/internal/runtime/stampede"
)

// Channel is the common contract of memory and topic channels.
type Channel interface {
	fmt.Stringer

	// Clone returns a new handle. Iterator clones share the buffer, so every
	// event goes to exactly one of them; other clones start empty.
	Clone(isIterator bool) Channel
	IsIterator() bool
	TopicName() (string, error)
	KeyType() schema.Type
	ValueType() schema.Type

	// MaybeDeclare runs Declare once no matter how many callers ask.
	MaybeDeclare(ctx context.Context) error
	Declare(ctx context.Context) error
	// ResetDeclaration forgets the cached declare result, so the next
	// MaybeDeclare declares again. Iterator clones share the result.
	ResetDeclaration()

	PrepareKey(key any, serializer string) ([]byte, error)
	PrepareValue(value any, serializer string) ([]byte, error)
	Decode(msg *Message) (*Event, error)
	// Deliver decodes msg and buffers the result, blocking while the buffer
	// is full. Decode failures are buffered in the record's place.
	Deliver(ctx context.Context, msg *Message) error

	Put(ctx context.Context, v any) error
	Get(ctx context.Context) (any, error)
	Next(ctx context.Context) (*Event, error)
	Events(ctx context.Context) iter.Seq2[*Event, error]
	// Throw makes the next Next call of this handle return err.
	Throw(err error)
	Len() int

	Send(ctx context.Context, opts ...SendOption) (*FutureMessage, error)
	AsFutureMessage(opts ...SendOption) (*FutureMessage, error)
	PublishMessage(ctx context.Context, fut *FutureMessage, wait bool) (RecordMetadata, error)

	Stream(opts ...StreamOption) *Stream
	Close()
}

// core holds what both channel kinds share. Iterator clones copy core and
// keep q and guard; errs is always per handle.
type core struct {
	app      AppContext
	label    string
	opts     options
	q        *queue
	guard    *stampede.Guard
	errs     *errSlot
	iterator bool
}

func newCore(app AppContext, label string, opts options) core {
	return core{
		app:   app,
		label: label,
		opts:  opts,
		q:     newQueue(label, app.Observer(), opts.capacity),
		guard: stampede.New(stampede.WithFailurePolicy(opts.failurePolicy)),
		errs:  newErrSlot(),
	}
}

func (c core) clone(isIterator bool) core {
	if isIterator {
		cp := c
		cp.errs = newErrSlot()
		cp.iterator = true
		return cp
	}
	return newCore(c.app, c.label, c.opts)
}

func (c *core) IsIterator() bool       { return c.iterator }
func (c *core) KeyType() schema.Type   { return c.opts.keyType }
func (c *core) ValueType() schema.Type { return c.opts.valueType }
func (c *core) Len() int               { return c.q.len() }
func (c *core) Throw(err error)        { c.errs.throw(err) }
func (c *core) Close()                 { c.q.close() }
func (c *core) ResetDeclaration()      { c.guard.Reset() }

// keySerializer picks the codec for keys: explicit, channel, type, app.
func (c *core) keySerializer(explicit string) string {
	return firstNonEmpty(explicit, c.opts.keySerializer, c.opts.keyType.Serializer(), c.app.KeySerializer())
}

func (c *core) valueSerializer(explicit string) string {
	return firstNonEmpty(explicit, c.opts.valueSerializer, c.opts.valueType.Serializer(), c.app.ValueSerializer())
}

func (c *core) PrepareKey(key any, serializer string) ([]byte, error) {
	name := c.keySerializer(serializer)
	b, err := c.opts.keyType.Encode(c.app.Codecs(), name, key)
	if err != nil {
		return nil, &sferrors.SerializationError{Field: "key", Serializer: name, Type: fmt.Sprintf("%T", key), Err: err}
	}
	return b, nil
}

func (c *core) PrepareValue(value any, serializer string) ([]byte, error) {
	name := c.valueSerializer(serializer)
	b, err := c.opts.valueType.Encode(c.app.Codecs(), name, value)
	if err != nil {
		return nil, &sferrors.SerializationError{Field: "value", Serializer: name, Type: fmt.Sprintf("%T", value), Err: err}
	}
	return b, nil
}

func (c *core) Decode(msg *Message) (*Event, error) {
	reg := c.app.Codecs()
	key, err := c.opts.keyType.Decode(reg, c.keySerializer(""), msg.Key)
	if err != nil {
		return nil, decodeError(msg, "key", err)
	}
	value, err := c.opts.valueType.Decode(reg, c.valueSerializer(""), msg.Value)
	if err != nil {
		return nil, decodeError(msg, "value", err)
	}
	return newEvent(c.app, key, value, msg, c.q), nil
}

func decodeError(msg *Message, field string, err error) error {
	return &sferrors.DecodeError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Field: field, Err: err}
}

func (c *core) Deliver(ctx context.Context, msg *Message) error {
	ev, err := c.Decode(msg)
	if err != nil {
		c.app.Observer().DecodeFailed(c.label, err)
		c.app.Logger().Error("Record could not be decoded", err, logging.RecordFields(msg.Topic, msg.Partition, msg.Offset))
		if err := c.q.put(ctx, entry{err: err}); err != nil {
			return err
		}
		// no event will ever ack this record
		msg.runAck()
		return nil
	}
	if err := c.q.put(ctx, entry{value: ev}); err != nil {
		return err
	}
	c.app.Observer().Delivered(c.label)
	return nil
}

func (c *core) Put(ctx context.Context, v any) error {
	return c.q.put(ctx, entry{value: v})
}

func (c *core) Get(ctx context.Context) (any, error) {
	return c.q.get(ctx, nil)
}

// Next returns the next event of this handle. Values buffered with Put that
// are not events are wrapped in one.
func (c *core) Next(ctx context.Context) (*Event, error) {
	v, err := c.q.get(ctx, c.errs)
	if err != nil {
		return nil, err
	}
	if ev, ok := v.(*Event); ok {
		return ev, nil
	}
	msg := &Message{Partition: -1, Offset: -1, Timestamp: c.app.Now()}
	return newEvent(c.app, nil, v, msg, c.q), nil
}

// Events yields events until the channel is closed or ctx ends. Decode and
// thrown errors are yielded in place and iteration continues.
func (c *core) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := c.Next(ctx)
			if errors.Is(err, sferrors.ErrChannelClosed) || (err != nil && ctx.Err() != nil) {
				return
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

func (c *core) asFuture(self Channel, opts []SendOption) (*FutureMessage, error) {
	o := buildSendOptions(opts)
	keySer := c.keySerializer(o.keySerializer)
	valSer := c.valueSerializer(o.valueSerializer)

	pk, err := c.PrepareKey(o.key, keySer)
	if err != nil {
		return nil, err
	}
	pv, err := c.PrepareValue(o.value, valSer)
	if err != nil {
		return nil, err
	}
	ts := o.timestamp
	if ts.IsZero() {
		ts = c.app.Now()
	}
	return newFuture(PendingMessage{
		Channel:         self,
		Key:             o.key,
		Value:           o.value,
		PreparedKey:     pk,
		PreparedValue:   pv,
		Partition:       o.partition,
		Timestamp:       ts,
		KeySerializer:   keySer,
		ValueSerializer: valSer,
		Headers:         o.headers,
		Callback:        o.callback,
	}), nil
}

// send is the shared Send flow: declare unless forced, build, publish
// without waiting. Publish failures only show on the future.
func send(ctx context.Context, c Channel, opts []SendOption) (*FutureMessage, error) {
	if !buildSendOptions(opts).force {
		if err := c.MaybeDeclare(ctx); err != nil {
			return nil, err
		}
	}
	fut, err := c.AsFutureMessage(opts...)
	if err != nil {
		return nil, err
	}
	_, _ = c.PublishMessage(ctx, fut, false)
	return fut, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
