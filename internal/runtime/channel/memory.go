package channel

import (
	"context"
	"time"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
)

const memoryLabel = "memory"

// Memory is an in-process channel. Sending to it buffers the event directly.
type Memory struct {
	core
}

// NewMemory creates an in-process channel owned by app.
func NewMemory(app AppContext, opts ...Option) *Memory {
	return &Memory{core: newCore(app, memoryLabel, buildOptions(opts))}
}

func (m *Memory) String() string { return "<memory channel>" }

func (m *Memory) Clone(isIterator bool) Channel {
	return &Memory{core: m.core.clone(isIterator)}
}

func (m *Memory) TopicName() (string, error) {
	return "", sferrors.ErrNoTopicName
}

func (m *Memory) MaybeDeclare(ctx context.Context) error {
	return m.guard.Do(ctx, m.Declare)
}

// Declare has nothing to create for a memory channel.
func (m *Memory) Declare(context.Context) error { return nil }

func (m *Memory) Send(ctx context.Context, opts ...SendOption) (*FutureMessage, error) {
	return send(ctx, m, opts)
}

func (m *Memory) AsFutureMessage(opts ...SendOption) (*FutureMessage, error) {
	return m.asFuture(m, opts)
}

// PublishMessage buffers an event carrying the original key and value. The
// future is resolved before returning, whatever wait says, so events keep
// the order of the sends.
func (m *Memory) PublishMessage(ctx context.Context, fut *FutureMessage, wait bool) (RecordMetadata, error) {
	if fut == nil {
		return RecordMetadata{}, sferrors.ErrFutureRequired
	}
	pm := fut.Message
	start := time.Now()

	partition := max(pm.Partition, 0)
	md := RecordMetadata{
		Partition:           partition,
		Offset:              m.q.nextOffset(),
		Timestamp:           pm.Timestamp,
		SerializedKeySize:   len(pm.PreparedKey),
		SerializedValueSize: len(pm.PreparedValue),
	}
	msg := &Message{
		Partition: partition,
		Offset:    md.Offset,
		Timestamp: pm.Timestamp,
		Key:       pm.PreparedKey,
		Value:     pm.PreparedValue,
		Headers:   pm.Headers.Clone(),
	}

	err := m.q.put(ctx, entry{value: newEvent(m.app, pm.Key, pm.Value, msg, m.q)})
	m.app.Observer().Sent(m.label, time.Since(start), err)
	if err != nil {
		perr := &sferrors.PublishError{Topic: m.label, Err: err}
		fut.setError(perr)
		return RecordMetadata{}, perr
	}
	fut.setResult(md)
	return md, nil
}

func (m *Memory) Stream(opts ...StreamOption) *Stream {
	return newStream(m.app, m.Clone(true), opts)
}
