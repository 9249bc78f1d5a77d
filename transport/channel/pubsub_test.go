package channel

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPubSub(t *testing.T, cfg Config) *PubSub {
	t.Helper()
	ps := NewPubSub(cfg, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func publishN(t *testing.T, ps *PubSub, topic string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, ps.Publish(topic, message.NewMessage(strconv.Itoa(i), []byte(strconv.Itoa(i)))))
	}
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPubSubKeepsOrderForLateSubscriber(t *testing.T) {
	ps := newPubSub(t, Config{})
	publishN(t, ps, "orders", 0, 50)

	msgs, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	publishN(t, ps, "orders", 50, 100)

	for i := range 100 {
		msg := receive(t, msgs)
		assert.Equal(t, strconv.Itoa(i), string(msg.Payload))
		msg.Ack()
	}
}

func TestPubSubSendsAheadOfAcks(t *testing.T) {
	ps := newPubSub(t, Config{})
	msgs, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	publishN(t, ps, "orders", 0, 3)

	var held []*message.Message
	for range 3 {
		held = append(held, receive(t, msgs))
	}
	for i, msg := range held {
		assert.Equal(t, strconv.Itoa(i), string(msg.Payload))
		msg.Ack()
	}
}

func TestPubSubRedeliversNackedMessage(t *testing.T) {
	ps := newPubSub(t, Config{})
	msgs, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	publishN(t, ps, "orders", 0, 1)

	first := receive(t, msgs)
	first.Nack()

	again := receive(t, msgs)
	assert.Equal(t, first.UUID, again.UUID)
	again.Ack()
}

func TestPubSubFansOutToEverySubscriber(t *testing.T) {
	ps := newPubSub(t, Config{})
	a, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	b, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	publishN(t, ps, "orders", 0, 1)

	for _, msgs := range []<-chan *message.Message{a, b} {
		msg := receive(t, msgs)
		assert.Equal(t, "0", string(msg.Payload))
		msg.Ack()
	}
}

func TestPubSubBacklogLimit(t *testing.T) {
	ps := newPubSub(t, Config{Backlog: 2})
	publishN(t, ps, "orders", 0, 2)

	err := ps.Publish("orders", message.NewMessage("2", []byte("2")))
	require.ErrorIs(t, err, ErrBacklogFull)

	// other topics are unaffected
	require.NoError(t, ps.Publish("audit", message.NewMessage("a", nil)))
}

func TestPubSubRetainsUnackedForNextSubscriber(t *testing.T) {
	ps := newPubSub(t, Config{})
	publishN(t, ps, "orders", 0, 3)

	ctx, cancel := context.WithCancel(t.Context())
	msgs, err := ps.Subscribe(ctx, "orders")
	require.NoError(t, err)
	receive(t, msgs).Ack()
	receive(t, msgs)
	cancel()
	for range msgs {
	}

	next, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)
	for _, want := range []string{"1", "2"} {
		msg := receive(t, next)
		assert.Equal(t, want, string(msg.Payload))
		msg.Ack()
	}
}

func TestPubSubClose(t *testing.T) {
	ps := NewPubSub(Config{}, nil)
	msgs, err := ps.Subscribe(t.Context(), "orders")
	require.NoError(t, err)

	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())

	_, ok := <-msgs
	assert.False(t, ok)
	assert.ErrorIs(t, ps.Publish("orders", message.NewMessage("1", nil)), ErrClosed)
	_, err = ps.Subscribe(t.Context(), "orders")
	assert.ErrorIs(t, err, ErrClosed)
}
