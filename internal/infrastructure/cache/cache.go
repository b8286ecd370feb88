// Package cache implements the conditional response cache: a bounded
// LRU of response payloads with ETags, a soft TTL that forces
// revalidation, and a hard TTL past which an entry is never served.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/hireloop/threadsync/internal/infrastructure/metrics"
)

// Status classifies the result of a cache lookup.
type Status int

const (
	// Miss means no usable entry exists; the caller must fetch
	// unconditionally.
	Miss Status = iota

	// Hit means the entry is fresh and may be returned as-is.
	Hit

	// Stale means the entry is past its soft TTL. The payload may only
	// be served after revalidation (or as a fallback when the network is
	// down), but its ETag is still usable for a conditional request.
	Stale
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is a cached response payload plus its revalidation state.
type Entry struct {
	Key       string
	ETag      string
	FetchedAt time.Time
	Payload   any
}

// Config controls cache sizing and expiry.
type Config struct {
	// MaxEntries bounds the cache; the least-recently-read entry is
	// evicted first once the bound is reached.
	MaxEntries int

	// TTL is the soft expiry after which an entry must be revalidated.
	TTL time.Duration

	// HardTTL is the absolute expiry after which an entry is dropped
	// even if revalidation keeps failing offline.
	HardTTL time.Duration
}

// Store is a bounded conditional cache. Instances are constructed and
// injected explicitly; there is no package-level shared store.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache
	ttl     time.Duration
	hardTTL time.Duration
	now     func() time.Time
}

// New creates a Store with the given bounds.
func New(cfg Config) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("cache: MaxEntries must be positive")
	}
	entries, err := lru.NewWithEvict(cfg.MaxEntries, func(key, _ any) {
		metrics.CacheEvictions.Inc()
		log.Debug().Str("key", key.(string)).Msg("cache entry evicted")
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		entries: entries,
		ttl:     cfg.TTL,
		hardTTL: cfg.HardTTL,
		now:     time.Now,
	}, nil
}

// Get looks up an entry and classifies its freshness. A Stale result
// still carries the entry so the caller can revalidate with its ETag.
func (s *Store) Get(key string) (Entry, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.entries.Get(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, Miss
	}

	ent := val.(Entry)
	age := s.now().Sub(ent.FetchedAt)
	if s.hardTTL > 0 && age >= s.hardTTL {
		s.entries.Remove(key)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, Miss
	}
	if s.ttl > 0 && age >= s.ttl {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		return ent, Stale
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return ent, Hit
}

// Put stores a fresh payload and its ETag, replacing any prior entry.
func (s *Store) Put(key, etag string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Add(key, Entry{
		Key:       key,
		ETag:      etag,
		FetchedAt: s.now(),
		Payload:   payload,
	})
}

// Refresh handles the "304 Not Modified" path: the payload is untouched
// and only FetchedAt is bumped. It returns false when no payload exists
// for the key (cold start racing another client); the caller must then
// fall back to an unconditional fetch.
func (s *Store) Refresh(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.entries.Get(key)
	if !ok {
		return false
	}
	ent := val.(Entry)
	if ent.Payload == nil {
		return false
	}
	ent.FetchedAt = s.now()
	s.entries.Add(key, ent)
	return true
}

// Invalidate drops the entry for a key.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
