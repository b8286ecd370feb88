// Package pager issues paginated and delta fetches for threads,
// layering the conditional cache, single-flight coordination, bounded
// read retries, and the post-mutation force-fresh budget on top of the
// raw transport.
package pager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hireloop/threadsync/internal/domain/message"
	"github.com/hireloop/threadsync/internal/domain/retry"
	"github.com/hireloop/threadsync/internal/infrastructure/apiclient"
	"github.com/hireloop/threadsync/internal/infrastructure/cache"
	"github.com/hireloop/threadsync/internal/infrastructure/codec"
	"github.com/hireloop/threadsync/internal/infrastructure/flight"
	"github.com/hireloop/threadsync/internal/infrastructure/metrics"
)

// Fetcher is the transport the pager drives.
type Fetcher interface {
	FetchMessages(ctx context.Context, threadID string, q apiclient.PageQuery) (*message.Page, error)
	FetchPreviewBatch(ctx context.Context, threadIDs []string) (map[string][]message.Message, error)
}

// Query describes a page request from the caller's point of view.
// Cursor values that are not positive are dropped rather than sent.
type Query struct {
	Mode     message.FetchMode
	AfterID  int64
	BeforeID int64
	Limit    int
}

// Result is a fetched (or cache-served) page.
type Result struct {
	Page *message.Page

	// FromCache is true when no network fetch ran.
	FromCache bool

	// Stale is true when the page is a cached fallback served because
	// the network kept failing; the UI shows a stale-data indicator
	// instead of blocking.
	Stale bool
}

// Config controls pager behavior.
type Config struct {
	// AfterWriteBudget is how many fetches after a local mutation carry
	// the force-fresh hint. Scoped per thread so one mutation cannot
	// bypass cache for unrelated resources.
	AfterWriteBudget int

	// Policy bounds transient-read retries.
	Policy retry.Policy
}

// Pager coordinates page fetches for all threads.
type Pager struct {
	fetcher Fetcher
	cache   *cache.Store
	flight  *flight.Group
	cfg     Config
	log     zerolog.Logger

	mu          sync.Mutex
	freshBudget map[string]int
}

// New creates a Pager.
func New(fetcher Fetcher, store *cache.Store, group *flight.Group, cfg Config, logger zerolog.Logger) *Pager {
	if cfg.AfterWriteBudget <= 0 {
		cfg.AfterWriteBudget = 2
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.ReadPolicy()
	}
	return &Pager{
		fetcher:     fetcher,
		cache:       store,
		flight:      group,
		cfg:         cfg,
		log:         logger.With().Str("component", "pager").Logger(),
		freshBudget: make(map[string]int),
	}
}

// NoteMutation arms the force-fresh budget for a thread after a local
// mutation (send, mark-read, react), so the next few fetches cannot be
// masked by a just-stale cache entry.
func (p *Pager) NoteMutation(threadID string) {
	p.mu.Lock()
	p.freshBudget[threadID] = p.cfg.AfterWriteBudget
	p.mu.Unlock()
}

// consumeFresh decrements the thread's budget, reporting whether this
// fetch must bypass caches.
func (p *Pager) consumeFresh(threadID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.freshBudget[threadID]
	if n <= 0 {
		return false
	}
	if n == 1 {
		delete(p.freshBudget, threadID)
	} else {
		p.freshBudget[threadID] = n - 1
	}
	return true
}

// FetchPage retrieves one page for a thread. Fresh cache hits are
// served directly; stale entries are revalidated with their ETag;
// concurrent identical requests share one network call; transient
// failures degrade to the stale cached page when one exists.
func (p *Pager) FetchPage(ctx context.Context, threadID string, q Query) (*Result, error) {
	q = normalize(q)
	key := requestKey(threadID, q)
	forceFresh := p.consumeFresh(threadID)
	if forceFresh {
		// A just-settled flight holds exactly the pre-mutation copy this
		// fetch exists to bypass.
		p.flight.Forget(key)
	}

	ent, status := p.cache.Get(key)
	if status == cache.Hit && !forceFresh {
		metrics.FetchesTotal.WithLabelValues(string(q.Mode), "cache").Inc()
		return &Result{Page: ent.Payload.(*message.Page), FromCache: true}, nil
	}

	val, _, err := p.flight.Do(ctx, key, func(ctx context.Context) (any, error) {
		return p.fetchWithRetry(ctx, threadID, key, q, forceFresh)
	})
	if err == nil {
		return val.(*Result), nil
	}

	// Stale cursor: the server no longer honors our position in the
	// thread, so refetch a full snapshot.
	if apiclient.IsCursorExpired(err) && q.Mode != message.ModeFull {
		p.log.Warn().Str("thread_id", threadID).Msg("cursor expired, falling back to full refetch")
		return p.FetchPage(ctx, threadID, Query{Mode: message.ModeFull, Limit: q.Limit})
	}

	// An undecodable response is treated as absent data, never as a
	// render-blocking error: serve the cached page when one exists,
	// otherwise an empty one.
	var de *codec.DecodeError
	if errors.As(err, &de) {
		p.log.Warn().Str("thread_id", threadID).Err(err).Msg("undecodable response treated as absent data")
		metrics.FetchesTotal.WithLabelValues(string(q.Mode), "decode_error").Inc()
		if ent, st := p.cache.Get(key); st != cache.Miss {
			return &Result{Page: ent.Payload.(*message.Page), FromCache: true, Stale: true}, nil
		}
		return &Result{Page: &message.Page{}, Stale: true}, nil
	}

	// Transient exhaustion: serve the stale entry rather than blocking
	// the caller, if one survives under the hard TTL.
	if apiclient.IsTransient(err) {
		if ent, st := p.cache.Get(key); st != cache.Miss {
			p.log.Warn().Str("thread_id", threadID).Err(err).Msg("serving stale page after fetch failures")
			metrics.FetchesTotal.WithLabelValues(string(q.Mode), "stale_fallback").Inc()
			return &Result{Page: ent.Payload.(*message.Page), FromCache: true, Stale: true}, nil
		}
	}

	metrics.FetchesTotal.WithLabelValues(string(q.Mode), "error").Inc()
	return nil, fmt.Errorf("pager: fetching page for thread %s: %w", threadID, err)
}

func (p *Pager) fetchWithRetry(ctx context.Context, threadID, key string, q Query, forceFresh bool) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, p.cfg.Policy.Delay(attempt)); err != nil {
				return nil, err
			}
		}

		res, err := p.fetchOnce(ctx, threadID, key, q, forceFresh)
		if err == nil {
			return res, nil
		}
		if !apiclient.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// fetchOnce performs one conditional fetch round, including the 304
// bookkeeping and the cold-start fallback when a 304 arrives with no
// cached payload to serve.
func (p *Pager) fetchOnce(ctx context.Context, threadID, key string, q Query, forceFresh bool) (*Result, error) {
	req := apiclient.PageQuery{
		Mode:       q.Mode,
		AfterID:    q.AfterID,
		BeforeID:   q.BeforeID,
		Limit:      q.Limit,
		ForceFresh: forceFresh,
	}
	if !forceFresh {
		if ent, st := p.cache.Get(key); st == cache.Stale && ent.ETag != "" {
			req.ETag = ent.ETag
		}
	}

	page, err := p.fetcher.FetchMessages(ctx, threadID, req)
	if errors.Is(err, apiclient.ErrNotModified) {
		if p.cache.Refresh(key) {
			ent, _ := p.cache.Get(key)
			metrics.FetchesTotal.WithLabelValues(string(q.Mode), "not_modified").Inc()
			return &Result{Page: ent.Payload.(*message.Page)}, nil
		}
		// Nothing cached behind the ETag (cold start racing another
		// client): refetch unconditionally.
		req.ETag = ""
		page, err = p.fetcher.FetchMessages(ctx, threadID, req)
	}
	if err != nil {
		return nil, err
	}

	p.cache.Put(key, page.ETag, page)
	metrics.FetchesTotal.WithLabelValues(string(q.Mode), "ok").Inc()
	return &Result{Page: page}, nil
}

// FetchPreviews fetches lite previews for many threads in one call for
// startup warm-up. Per-thread message order is preserved as returned.
func (p *Pager) FetchPreviews(ctx context.Context, threadIDs []string) (map[string][]message.Message, error) {
	if len(threadIDs) == 0 {
		return map[string][]message.Message{}, nil
	}
	previews, err := p.fetcher.FetchPreviewBatch(ctx, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("pager: warm-up batch: %w", err)
	}
	return previews, nil
}

func normalize(q Query) Query {
	if q.AfterID < 0 {
		q.AfterID = 0
	}
	if q.BeforeID < 0 {
		q.BeforeID = 0
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	if q.Mode == "" {
		q.Mode = message.ModeFull
	}
	return q
}

func requestKey(threadID string, q Query) string {
	return fmt.Sprintf("thread:%s:mode:%s:after:%d:before:%d:limit:%d",
		threadID, q.Mode, q.AfterID, q.BeforeID, q.Limit)
}
