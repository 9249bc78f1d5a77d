// Package stampede runs an expensive side effect at most once no matter how
// many goroutines ask for it at the same time.
package stampede

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State is where a Guard is in its cycle.
type State int

const (
	// Idle means nothing ran yet, or the last failure was not cached.
	Idle State = iota
	// InFlight means a call is running and new callers wait for it.
	InFlight
	// Resolved means the outcome is cached until Reset.
	Resolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in-flight"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what happens to a failed call.
type FailurePolicy int

const (
	// RetryOnFailure hands the error to every waiter of the failed call and
	// then returns to Idle so the next Do runs again.
	RetryOnFailure FailurePolicy = iota
	// CacheFailure keeps the error like a success until Reset.
	CacheFailure
)

// Option configures a Guard built by New.
type Option func(*Guard)

// WithFailurePolicy sets what a failed call leaves behind.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(g *Guard) { g.policy = p }
}

// Guard deduplicates concurrent calls and caches the outcome. The zero value
// is ready to use with RetryOnFailure.
type Guard struct {
	policy FailurePolicy
	group  singleflight.Group

	mu       sync.Mutex
	gen      uint64
	running  bool
	resolved bool
	err      error
}

// New returns an idle Guard.
func New(opts ...Option) *Guard {
	g := &Guard{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn unless it already resolved or another caller is running it, in
// which case it waits for that outcome. fn receives ctx without its
// cancellation. A caller whose ctx ends stops waiting and gets ctx.Err().
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.resolved {
		err := g.err
		g.mu.Unlock()
		return err
	}
	gen := g.gen
	g.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, g.run(detached, gen, fn)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Guard) run(ctx context.Context, gen uint64, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.gen != gen {
		// reset while we were queued: run, but leave the new generation alone
		g.mu.Unlock()
		return protect(ctx, fn)
	}
	if g.resolved {
		// a call for this generation finished between our check and DoChan
		err := g.err
		g.mu.Unlock()
		return err
	}
	g.running = true
	g.mu.Unlock()

	err := protect(ctx, fn)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return err
	}
	g.running = false
	if err == nil || g.policy == CacheFailure {
		g.resolved = true
		g.err = err
	}
	return err
}

func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stampede: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Reset forgets the cached outcome. A call still running keeps delivering its
// result to its own waiters but is not cached.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.running = false
	g.resolved = false
	g.err = nil
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.resolved:
		return Resolved
	case g.running:
		return InFlight
	default:
		return Idle
	}
}

// Result returns whether an outcome is cached and what it is.
func (g *Guard) Result() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved, g.err
}
