// Package supervisor implements the background-task and resource-rollback
// helpers spec.md §9 calls for: a supervised task group whose failures
// cancel the foreground (instead of being silently dropped), and a
// context stack that rolls back partially-acquired resources on any exit
// path, including panics.
package supervisor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group runs a foreground task alongside background tasks that must abort
// it on failure (spec.md §4.4's authenticator refresh, §4.5's exporter
// registration). It wraps golang.org/x/sync/errgroup with an explicit
// distinction between "cancelled because a sibling failed" and "cancelled
// by the caller", so the original error survives.
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	firstErr error
}

// New creates a Group bound to a derived, cancellable context. Cancel the
// returned context (via the parent) to stop every task cooperatively.
func New(ctx context.Context) (*Group, context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	eg, gctx := errgroup.WithContext(cctx)
	g := &Group{eg: eg, ctx: gctx, cancel: cancel}
	return g, gctx
}

// Go runs fn in a new goroutine. If fn returns a non-nil error, every
// other task in the group observes its context cancelled and Wait
// returns that first error.
func (g *Group) Go(fn func(context.Context) error) {
	g.eg.Go(func() error {
		err := fn(g.ctx)
		if err != nil {
			g.mu.Lock()
			if g.firstErr == nil {
				g.firstErr = err
			}
			g.mu.Unlock()
		}
		return err
	})
}

// Wait blocks until every task has returned, then returns the first
// non-nil error, if any.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}

// Cancel stops every task in the group cooperatively without reporting an
// error from Wait (used when the foreground finishes normally and the
// background tasks should simply stop).
func (g *Group) Cancel() {
	g.cancel()
}

// Stack collects release functions for resources acquired in sequence
// (listening sockets, file descriptors, registrations, locks) so that a
// partially constructed object can be unwound cleanly on any error path.
// It mirrors the ExitStack idiom used throughout the source project: push
// a release as soon as the resource is acquired, and call Close on every
// exit path.
type Stack struct {
	mu       sync.Mutex
	releases []func()
	closed   bool
}

// Push registers a release function, to be called in LIFO order by Close.
func (s *Stack) Push(release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, release)
}

// Cancel discards every pushed release without calling it, used once
// ownership of the acquired resources has been transferred elsewhere.
func (s *Stack) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = nil
}

// Close calls every pushed release function in reverse acquisition order.
// Safe to call multiple times; only the first call has an effect.
func (s *Stack) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
