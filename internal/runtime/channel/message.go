package channel

import (
	"time"

	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// Message is a raw record as read from a transport. Treat it as read-only.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   metadata.Metadata

	ack  func()
	nack func()
}

// WithHooks returns a copy of m that calls ack or nack when the event built
// from it is acknowledged or rejected. Either hook may be nil.
func (m *Message) WithHooks(ack, nack func()) *Message {
	cp := *m
	cp.ack = ack
	cp.nack = nack
	return &cp
}

func (m *Message) runAck() {
	if m != nil && m.ack != nil {
		m.ack()
	}
}

func (m *Message) runNack() {
	if m != nil && m.nack != nil {
		m.nack()
	}
}
