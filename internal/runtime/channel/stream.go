package channel

import (
	"context"
	"errors"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/streamflow/internal/runtime/logging"
)

// ErrNoProcessor is returned by Stream.Run without WithProcessor.
var ErrNoProcessor = errors.New("streamflow: stream has no processor")

// Stream consumes an iterator clone of a channel.
type Stream struct {
	app         AppContext
	ch          Channel
	concurrency int
	processor   func(*Event) error
	onError     func(*Event, error)
}

func newStream(app AppContext, ch Channel, opts []StreamOption) *Stream {
	s := &Stream{app: app, ch: ch, concurrency: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns the iterator clone the stream reads from.
func (s *Stream) Channel() Channel { return s.ch }

func (s *Stream) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return s.ch.Events(ctx)
}

// Run processes events until the channel closes or ctx ends. Every event is
// handled inside Event.Process, so successful events are acked and failed
// ones are redelivered by the transport.
func (s *Stream) Run(ctx context.Context) error {
	if s.processor == nil {
		return ErrNoProcessor
	}
	g, ctx := errgroup.WithContext(ctx)
	for range s.concurrency {
		g.Go(func() error { return s.work(ctx) })
	}
	return g.Wait()
}

func (s *Stream) work(ctx context.Context) error {
	for ev, err := range s.ch.Events(ctx) {
		if err != nil {
			s.fail(nil, err)
			continue
		}
		if err := ev.Process(s.processor); err != nil {
			s.fail(ev, err)
		}
	}
	return ctx.Err()
}

func (s *Stream) fail(ev *Event, err error) {
	if s.onError != nil {
		s.onError(ev, err)
		return
	}
	s.app.Logger().Error("Stream processing failed", err, logging.LogFields{"channel": s.ch.String()})
}
