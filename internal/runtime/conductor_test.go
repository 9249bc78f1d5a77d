package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/channel"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/internal/runtime/schema"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/transporttest"
)

// newFakeApp builds an App over an in-test publisher and subscriber.
func newFakeApp(t *testing.T, declarer transport.Declarer) (*App, *transporttest.Subscriber) {
	t.Helper()
	sub := &transporttest.Subscriber{}
	app, err := NewApp(t.Context(), &configpkg.Config{}, logging.Nop(), AppDependencies{
		Transport: transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: sub, Declarer: declarer},
		Clock:     clock,
	})
	require.NoError(t, err)
	return app, sub
}

// runApp runs app until the test ends and returns the error channel of Run.
func runApp(t *testing.T, app *App) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("app did not stop")
		}
	})
	return done
}

func rawMessage(payload string, pairs ...string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	for i := 0; i+1 < len(pairs); i += 2 {
		msg.Metadata.Set(pairs[i], pairs[i+1])
	}
	return msg
}

func nextEvent(t *testing.T, ch channel.Channel) *channel.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	ev, err := ch.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestToMessage(t *testing.T) {
	c := NewConductor(nil, nil, nil, clock)

	msg := rawMessage(`{"a":1}`, "trace", "abc")
	metadata.SetKey(msg.Metadata, []byte("k1"))
	metadata.SetPartition(msg.Metadata, 2)
	metadata.SetOffset(msg.Metadata, 7)
	ts := testNow.Add(-time.Minute)
	metadata.SetTimestamp(msg.Metadata, ts)

	rec := c.ToMessage("orders", msg)
	assert.Equal(t, "orders", rec.Topic)
	assert.Equal(t, int32(2), rec.Partition)
	assert.Equal(t, int64(7), rec.Offset)
	assert.True(t, ts.Equal(rec.Timestamp))
	assert.Equal(t, []byte("k1"), rec.Key)
	assert.Equal(t, []byte(`{"a":1}`), rec.Value)
	v, ok := rec.Headers.Get("trace")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestToMessageWithoutPositionHeaders(t *testing.T) {
	c := NewConductor(nil, nil, nil, clock)

	rec := c.ToMessage("orders", rawMessage("x"))
	assert.Equal(t, int32(0), rec.Partition)
	assert.Equal(t, int64(-1), rec.Offset)
	assert.True(t, testNow.Equal(rec.Timestamp))
	assert.Nil(t, rec.Key)
}

func TestConductorDeliversAndAcks(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	topic, err := app.Topic("orders", channel.KeyType(schema.Of[string]()))
	require.NoError(t, err)
	runApp(t, app)

	msg := rawMessage(`{"id":1}`)
	metadata.SetKey(msg.Metadata, []byte("k1"))
	sub.Channel("orders") <- msg

	ev := nextEvent(t, topic)
	assert.Equal(t, "k1", ev.Key)
	assert.Equal(t, map[string]any{"id": float64(1)}, ev.Value)
	assert.Equal(t, "orders", ev.Message.Topic)

	ev.Ack()
	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("transport message was not acked")
	}
}

func TestConductorNacksFailedProcessing(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	topic, err := app.Topic("orders")
	require.NoError(t, err)
	runApp(t, app)

	msg := rawMessage(`"x"`)
	sub.Channel("orders") <- msg

	ev := nextEvent(t, topic)
	err = ev.Process(func(*channel.Event) error { return errors.New("boom") })
	require.EqualError(t, err, "boom")

	select {
	case <-msg.Nacked():
	case <-time.After(time.Second):
		t.Fatal("transport message was not nacked")
	}
}

func TestConductorAcksUndecodableRecords(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	topic, err := app.Topic("orders")
	require.NoError(t, err)
	runApp(t, app)

	msg := rawMessage("{not json")
	sub.Channel("orders") <- msg

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = topic.Next(ctx)
	var decodeErr *sferrors.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "value", decodeErr.Field)

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("undecodable message was not acked")
	}
}

func TestConductorSubscribesLateTopics(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	runApp(t, app)

	topic, err := app.Topic("late")
	require.NoError(t, err)
	sub.Channel("late") <- rawMessage(`"hello"`)

	ev := nextEvent(t, topic)
	assert.Equal(t, "hello", ev.Value)
	ev.Ack()
}

func TestConductorDeclaresBeforeSubscribing(t *testing.T) {
	var declared []string
	declarer := transport.DeclarerFunc(func(_ context.Context, spec transport.TopicSpec) error {
		declared = append(declared, spec.Name)
		return nil
	})
	app, sub := newFakeApp(t, declarer)
	topic, err := app.Topic("orders")
	require.NoError(t, err)
	runApp(t, app)

	sub.Channel("orders") <- rawMessage(`1`)
	nextEvent(t, topic).Ack()
	assert.Equal(t, []string{"orders"}, declared)
}

func TestConductorResubscribesAndRedeclares(t *testing.T) {
	var declares atomic.Int32
	declarer := transport.DeclarerFunc(func(context.Context, transport.TopicSpec) error {
		declares.Add(1)
		return nil
	})
	app, sub := newFakeApp(t, declarer)
	app.conductor.resubscribeDelay = time.Millisecond
	topic, err := app.Topic("orders")
	require.NoError(t, err)
	runApp(t, app)

	require.Eventually(t, func() bool { return sub.Subscriptions("orders") == 1 }, 2*time.Second, 5*time.Millisecond)
	sub.Channel("orders") <- rawMessage(`1`)
	nextEvent(t, topic).Ack()

	sub.Drop("orders")
	require.Eventually(t, func() bool { return sub.Subscriptions("orders") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), declares.Load())

	sub.Channel("orders") <- rawMessage(`2`)
	ev := nextEvent(t, topic)
	assert.Equal(t, float64(2), ev.Value)
	ev.Ack()
}

func TestConductorStop(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	_, err := app.Topic("orders")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sub.Subscriptions("orders") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, app.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, 1, sub.Subscriptions("orders"))
}

func TestConductorStopsOnDeclareFailure(t *testing.T) {
	declarer := transport.DeclarerFunc(func(context.Context, transport.TopicSpec) error {
		return errors.New("no permission")
	})
	app, _ := newFakeApp(t, declarer)
	_, err := app.Topic("orders")
	require.NoError(t, err)

	err = app.Run(t.Context())
	var declareErr *sferrors.DeclareError
	require.ErrorAs(t, err, &declareErr)
	assert.Equal(t, "orders", declareErr.Topic)
}

func TestConductorStopsOnSubscribeFailure(t *testing.T) {
	app, sub := newFakeApp(t, nil)
	sub.Err = errors.New("boom")
	_, err := app.Topic("orders")
	require.NoError(t, err)

	err = app.Run(t.Context())
	assert.ErrorContains(t, err, `subscribe "orders": boom`)
}

func TestConductorRejectsConcurrentRun(t *testing.T) {
	c := NewConductor(&transporttest.Subscriber{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.group != nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Run(ctx), ErrConductorRunning)
	cancel()
	assert.NoError(t, <-done)
}

func TestConductorWithoutSubscriber(t *testing.T) {
	err := NewConductor(nil, nil, nil, nil).Run(t.Context())
	assert.ErrorIs(t, err, sferrors.ErrTransportClosed)
}
