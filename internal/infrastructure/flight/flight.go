// Package flight deduplicates concurrent fetches per logical request
// key. Multiple UI regions (thread list, active conversation, badge)
// often ask for the same resource nearly simultaneously; only one
// producer runs and every caller shares its result.
//
// This is distinct from the conditional cache: single-flight collapses
// concurrent work, the cache collapses repeated work over time.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hireloop/threadsync/internal/infrastructure/metrics"
)

// ErrReentrant is returned when a producer calls Do for a key already
// in flight on its own call chain; joining it would deadlock.
var ErrReentrant = errors.New("flight: re-entrant call for in-flight key")

// Producer performs the actual fetch for a key. It receives a context
// that carries the in-flight key, so a nested Do for the same key fails
// with ErrReentrant instead of deadlocking.
type Producer func(ctx context.Context) (any, error)

type inflightKeys struct{}

func heldKey(ctx context.Context, key string) bool {
	keys, _ := ctx.Value(inflightKeys{}).(map[string]struct{})
	_, ok := keys[key]
	return ok
}

func markKey(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(inflightKeys{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return context.WithValue(ctx, inflightKeys{}, next)
}

type settled struct {
	val   any
	err   error
	until time.Time
}

// Group coordinates in-flight fetches per key. After a flight settles,
// its result stays joinable for a short grace window so immediately
// following duplicate calls (rapid re-renders) still coalesce.
type Group struct {
	grace time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	settled map[string]settled
	now     func() time.Time
}

// New creates a Group with the given settle-grace window.
func New(grace time.Duration) *Group {
	return &Group{
		grace:   grace,
		settled: make(map[string]settled),
		now:     time.Now,
	}
}

// Do runs the producer for key, or joins an existing flight (or a
// just-settled result inside the grace window). The returned shared
// flag is true when this caller did not run the producer itself.
//
// The producer receives the context of the caller that started the
// flight. Callers that cancel while joined stop waiting without
// cancelling the shared fetch.
func (g *Group) Do(ctx context.Context, key string, fn Producer) (any, bool, error) {
	if heldKey(ctx, key) {
		return nil, false, fmt.Errorf("%w: %q", ErrReentrant, key)
	}

	g.mu.Lock()
	if s, ok := g.settled[key]; ok && g.now().Before(s.until) {
		g.mu.Unlock()
		metrics.FlightShared.Inc()
		return s.val, true, s.err
	}
	g.mu.Unlock()

	ch := g.sf.DoChan(key, func() (any, error) {
		val, err := fn(markKey(ctx, key))
		g.remember(key, val, err)
		return val, err
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.FlightShared.Inc()
		}
		return res.Val, res.Shared, res.Err
	}
}

func (g *Group) remember(key string, val any, err error) {
	if g.grace <= 0 {
		return
	}
	g.mu.Lock()
	g.settled[key] = settled{val: val, err: err, until: g.now().Add(g.grace)}
	g.mu.Unlock()

	time.AfterFunc(g.grace, func() {
		g.mu.Lock()
		if s, ok := g.settled[key]; ok && !g.now().Before(s.until) {
			delete(g.settled, key)
		}
		g.mu.Unlock()
	})
}

// Forget drops any settled result for key so the next Do runs fresh.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.settled, key)
	g.mu.Unlock()
	g.sf.Forget(key)
}
