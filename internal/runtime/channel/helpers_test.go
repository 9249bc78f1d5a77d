package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/streamflow/internal/runtime/codecs"
	"github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testApp struct {
	producer Producer
	declarer transport.Declarer
	codecs   *codecs.Registry
	observer *recordingObserver
	keySer   string
	valueSer string

	mu       sync.Mutex
	channels map[string]Channel
}

func newTestApp() *testApp {
	return &testApp{
		producer: &fakeProducer{},
		codecs:   codecs.NewRegistry(),
		observer: &recordingObserver{},
		keySer:   "raw",
		valueSer: "json",
		channels: map[string]Channel{},
	}
}

func (a *testApp) Producer() Producer { return a.producer }

func (a *testApp) Declarer() transport.Declarer { return a.declarer }

func (a *testApp) Codecs() *codecs.Registry      { return a.codecs }
func (a *testApp) KeySerializer() string         { return a.keySer }
func (a *testApp) ValueSerializer() string       { return a.valueSer }
func (a *testApp) Logger() logging.ServiceLogger { return logging.Nop() }
func (a *testApp) Observer() Observer            { return a.observer }
func (a *testApp) Now() time.Time                { return fixedNow }

func (a *testApp) Channel(name string) (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[name]
	if !ok {
		return nil, errors.New("no such channel: " + name)
	}
	return ch, nil
}

func (a *testApp) register(name string, ch Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels[name] = ch
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*ProducerRecord
	err     error
	block   chan struct{}
}

func (p *fakeProducer) Publish(ctx context.Context, rec *ProducerRecord) (RecordMetadata, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return RecordMetadata{}, p.err
	}
	p.records = append(p.records, rec)
	return RecordMetadata{
		Topic:     rec.Topic,
		Partition: max(rec.Partition, 0),
		Offset:    int64(len(p.records) - 1),
		Timestamp: rec.Timestamp,
	}, nil
}

func (p *fakeProducer) published() []*ProducerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ProducerRecord(nil), p.records...)
}

type countingDeclarer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
	specs   chan transport.TopicSpec
}

func (d *countingDeclarer) DeclareTopic(_ context.Context, spec transport.TopicSpec) error {
	d.calls.Add(1)
	if d.specs != nil {
		d.specs <- spec
	}
	if d.release != nil {
		<-d.release
	}
	return d.err
}

type recordingObserver struct {
	delivered    atomic.Int32
	decodeFailed atomic.Int32
	sent         atomic.Int32
	sendFailed   atomic.Int32
	declared     atomic.Int32
	acked        atomic.Int32
}

func (o *recordingObserver) Delivered(string)           { o.delivered.Add(1) }
func (o *recordingObserver) DecodeFailed(string, error) { o.decodeFailed.Add(1) }
func (o *recordingObserver) Declared(string, error)     { o.declared.Add(1) }
func (o *recordingObserver) Acked(string)               { o.acked.Add(1) }

func (o *recordingObserver) Sent(_ string, _ time.Duration, err error) {
	o.sent.Add(1)
	if err != nil {
		o.sendFailed.Add(1)
	}
}

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func hookedMessage(topic string, offset int64, key, value []byte) (*Message, *atomic.Int32, *atomic.Int32) {
	var acks, nacks atomic.Int32
	msg := (&Message{Topic: topic, Offset: offset, Key: key, Value: value}).WithHooks(
		func() { acks.Add(1) },
		func() { nacks.Add(1) },
	)
	return msg, &acks, &nacks
}
