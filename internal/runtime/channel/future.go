package channel

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// PendingMessage is an outbound record before the transport confirmed it.
type PendingMessage struct {
	Channel         Channel
	Key             any
	Value           any
	PreparedKey     []byte
	PreparedValue   []byte
	Partition       int32
	Timestamp       time.Time
	KeySerializer   string
	ValueSerializer string
	Headers         metadata.Metadata
	Callback        func(*FutureMessage)
}

// FutureMessage resolves exactly once with the RecordMetadata of a sent
// record or the error that prevented it.
type FutureMessage struct {
	Message PendingMessage

	once sync.Once
	done chan struct{}
	md   RecordMetadata
	err  error
}

func newFuture(pm PendingMessage) *FutureMessage {
	return &FutureMessage{Message: pm, done: make(chan struct{})}
}

// Done is closed once the future resolved.
func (f *FutureMessage) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *FutureMessage) Wait(ctx context.Context) (RecordMetadata, error) {
	select {
	case <-f.done:
		return f.md, f.err
	case <-ctx.Done():
		return RecordMetadata{}, ctx.Err()
	}
}

// Metadata returns the confirmed record position without blocking. ok is
// false while pending or after a failure.
func (f *FutureMessage) Metadata() (RecordMetadata, bool) {
	select {
	case <-f.done:
		return f.md, f.err == nil
	default:
		return RecordMetadata{}, false
	}
}

// Err returns the failure of a resolved future, nil otherwise.
func (f *FutureMessage) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// complete settles the future without running the callback. It reports
// whether this call settled it.
func (f *FutureMessage) complete(md RecordMetadata, err error) bool {
	settled := false
	f.once.Do(func() {
		f.md, f.err = md, err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *FutureMessage) notify() {
	if f.Message.Callback != nil {
		f.Message.Callback(f)
	}
}

// resolve settles the future and runs the callback on the calling goroutine.
func (f *FutureMessage) resolve(md RecordMetadata, err error) bool {
	if !f.complete(md, err) {
		return false
	}
	f.notify()
	return true
}

func (f *FutureMessage) setResult(md RecordMetadata) bool { return f.resolve(md, nil) }
func (f *FutureMessage) setError(err error) bool          { return f.resolve(RecordMetadata{}, err) }
