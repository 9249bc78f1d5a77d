package channel

import (
	"context"
	"sync"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
)

// entry is either a value or the error that took its place.
type entry struct {
	value any
	err   error
}

// queue is the FIFO buffer shared by a channel and its iterator clones.
// Waiters block on changed, which is closed and replaced on every mutation.
type queue struct {
	label    string
	observer Observer
	capacity int

	mu      sync.Mutex
	items   []entry
	closed  bool
	changed chan struct{}
	seq     int64
}

func newQueue(label string, observer Observer, capacity int) *queue {
	if observer == nil {
		observer = NopObserver{}
	}
	return &queue{
		label:    label,
		observer: observer,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (q *queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *queue) put(ctx context.Context, e entry) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return sferrors.ErrChannelClosed
		}
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, e)
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// get pops the head entry. Errors thrown into slot take precedence over
// buffered entries.
func (q *queue) get(ctx context.Context, slot *errSlot) (any, error) {
	for {
		var thrown <-chan struct{}
		if slot != nil {
			thrown = slot.watch()
			if err := slot.pop(); err != nil {
				return nil, err
			}
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, sferrors.ErrChannelClosed
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = entry{}
			q.items = q.items[1:]
			q.notifyLocked()
			q.mu.Unlock()
			if e.err != nil {
				return nil, e.err
			}
			return e.value, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-thrown:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// nextOffset hands out offsets for records that never touch a transport.
func (q *queue) nextOffset() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	off := q.seq
	q.seq++
	return off
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close drops buffered entries and wakes every waiter.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.notifyLocked()
}

func (q *queue) ack(msg *Message) {
	if q.isClosed() {
		return
	}
	q.observer.Acked(q.label)
	msg.runAck()
}

func (q *queue) nack(msg *Message) {
	if q.isClosed() {
		return
	}
	msg.runNack()
}

// errSlot holds errors thrown into one channel handle.
type errSlot struct {
	mu   sync.Mutex
	errs []error
	wake chan struct{}
}

func newErrSlot() *errSlot {
	return &errSlot{wake: make(chan struct{})}
}

func (s *errSlot) throw(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *errSlot) watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *errSlot) pop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}
