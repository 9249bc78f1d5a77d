package channel

import (
	"context"
	"sync"
	"time"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

// Topic is a channel backed by a named transport topic.
type Topic struct {
	core
	name string
	disp *dispatcher
}

// NewTopic creates a channel for the topic called name.
func NewTopic(app AppContext, name string, opts ...Option) (*Topic, error) {
	if name == "" {
		return nil, sferrors.ErrTopicRequired
	}
	t := &Topic{core: newCore(app, name, buildOptions(opts)), name: name}
	t.disp = &dispatcher{publish: t.publish}
	return t, nil
}

func (t *Topic) String() string { return "<topic " + t.name + ">" }

func (t *Topic) TopicName() (string, error) { return t.name, nil }

// Spec returns the declaration sent to the transport.
func (t *Topic) Spec() transport.TopicSpec {
	spec := t.opts.topic
	spec.Name = t.name
	if spec.Config != nil {
		cfg := make(map[string]string, len(spec.Config))
		for k, v := range spec.Config {
			cfg[k] = v
		}
		spec.Config = cfg
	}
	return spec
}

func (t *Topic) Clone(isIterator bool) Channel {
	cp := &Topic{core: t.core.clone(isIterator), name: t.name}
	if isIterator {
		cp.disp = t.disp
	} else {
		cp.disp = &dispatcher{publish: cp.publish}
	}
	return cp
}

func (t *Topic) MaybeDeclare(ctx context.Context) error {
	return t.guard.Do(ctx, t.Declare)
}

// Declare asks the transport to create the topic. Transports that create
// topics on first use have no declarer and this is a no-op.
func (t *Topic) Declare(ctx context.Context) error {
	d := t.app.Declarer()
	if d == nil {
		return nil
	}
	err := d.DeclareTopic(ctx, t.Spec())
	t.app.Observer().Declared(t.name, err)
	if err != nil {
		t.app.Logger().Error("Topic declaration failed", err, logging.LogFields{"topic": t.name})
		return &sferrors.DeclareError{Topic: t.name, Err: err}
	}
	t.app.Logger().Debug("Topic declared", logging.LogFields{"topic": t.name})
	return nil
}

func (t *Topic) Send(ctx context.Context, opts ...SendOption) (*FutureMessage, error) {
	return send(ctx, t, opts)
}

func (t *Topic) AsFutureMessage(opts ...SendOption) (*FutureMessage, error) {
	return t.asFuture(t, opts)
}

// PublishMessage queues fut for the producer. Records sent through the same
// topic handle reach the producer in send order. With wait set it blocks
// until the future resolves or ctx ends.
func (t *Topic) PublishMessage(ctx context.Context, fut *FutureMessage, wait bool) (RecordMetadata, error) {
	if fut == nil {
		return RecordMetadata{}, sferrors.ErrFutureRequired
	}
	if t.app.Producer() == nil {
		perr := &sferrors.PublishError{Topic: t.name, Err: sferrors.ErrProducerRequired}
		fut.setError(perr)
		return RecordMetadata{}, perr
	}
	t.disp.enqueue(context.WithoutCancel(ctx), fut)
	if !wait {
		return RecordMetadata{}, nil
	}
	return fut.Wait(ctx)
}

func (t *Topic) publish(ctx context.Context, fut *FutureMessage) (RecordMetadata, error) {
	pm := fut.Message
	rec := &ProducerRecord{
		Topic:     t.name,
		Partition: pm.Partition,
		Key:       pm.PreparedKey,
		Value:     pm.PreparedValue,
		Headers:   pm.Headers,
		Timestamp: pm.Timestamp,
	}

	start := time.Now()
	md, err := t.app.Producer().Publish(ctx, rec)
	t.app.Observer().Sent(t.name, time.Since(start), err)
	if err != nil {
		t.app.Logger().Error("Publish failed", err, logging.LogFields{"topic": t.name})
		return RecordMetadata{}, &sferrors.PublishError{Topic: t.name, Err: err}
	}
	if md.Topic == "" {
		md.Topic = t.name
	}
	md.SerializedKeySize = len(pm.PreparedKey)
	md.SerializedValueSize = len(pm.PreparedValue)
	return md, nil
}

func (t *Topic) Stream(opts ...StreamOption) *Stream {
	return newStream(t.app, t.Clone(true), opts)
}

// dispatcher publishes futures one at a time. Callbacks run in the same
// order on a second worker, so a callback may publish through the same
// topic and wait for the result.
type dispatcher struct {
	publish func(context.Context, *FutureMessage) (RecordMetadata, error)

	sends     worker
	callbacks worker
}

func (d *dispatcher) enqueue(ctx context.Context, fut *FutureMessage) {
	d.sends.do(func() {
		md, err := d.publish(ctx, fut)
		if fut.complete(md, err) && fut.Message.Callback != nil {
			d.callbacks.do(fut.notify)
		}
	})
}

// worker runs jobs one at a time in queue order. Its goroutine only lives
// while there is work.
type worker struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (w *worker) do(job func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, job)
	if !w.running {
		w.running = true
		go w.drain()
	}
}

func (w *worker) drain() {
	for {
		w.mu.Lock()
		if len(w.jobs) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs[0] = nil
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		job()
	}
}
