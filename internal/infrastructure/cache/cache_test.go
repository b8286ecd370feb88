package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/threadsync/internal/infrastructure/cache"
)

func newStore(t *testing.T, cfg cache.Config) (*cache.Store, *time.Time) {
	t.Helper()
	store, err := cache.New(cfg)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return store, &now
}

func TestStore_HitStaleMiss(t *testing.T) {
	store, now := newStore(t, cache.Config{MaxEntries: 8, TTL: time.Minute, HardTTL: 10 * time.Minute})

	_, st := store.Get("k1")
	assert.Equal(t, cache.Miss, st)

	store.Put("k1", `W/"abc"`, []byte("payload"))

	ent, st := store.Get("k1")
	require.Equal(t, cache.Hit, st)
	assert.Equal(t, `W/"abc"`, ent.ETag)
	assert.Equal(t, []byte("payload"), ent.Payload)

	// Past the soft TTL the entry is stale but its ETag is still usable.
	*now = now.Add(2 * time.Minute)
	ent, st = store.Get("k1")
	require.Equal(t, cache.Stale, st)
	assert.Equal(t, `W/"abc"`, ent.ETag)

	// Past the hard TTL the entry is gone entirely.
	*now = now.Add(10 * time.Minute)
	_, st = store.Get("k1")
	assert.Equal(t, cache.Miss, st)
	assert.Equal(t, 0, store.Len())
}

func TestStore_RefreshKeepsPayload(t *testing.T) {
	store, now := newStore(t, cache.Config{MaxEntries: 8, TTL: time.Minute, HardTTL: 10 * time.Minute})

	payload := []byte(`{"items":[]}`)
	store.Put("k1", `W/"e1"`, payload)
	*now = now.Add(90 * time.Second)

	_, st := store.Get("k1")
	require.Equal(t, cache.Stale, st)

	// A 304 revalidation bumps FetchedAt without touching the payload.
	require.True(t, store.Refresh("k1"))

	ent, st := store.Get("k1")
	require.Equal(t, cache.Hit, st)
	assert.Equal(t, payload, ent.Payload)
	assert.Equal(t, *now, ent.FetchedAt)
}

func TestStore_RefreshWithoutEntry(t *testing.T) {
	store, _ := newStore(t, cache.Config{MaxEntries: 8, TTL: time.Minute})

	// Cold start racing another tab: 304 arrives but there is nothing to
	// serve, so the caller must fall back to an unconditional fetch.
	assert.False(t, store.Refresh("unknown"))
}

func TestStore_LRUEviction(t *testing.T) {
	store, _ := newStore(t, cache.Config{MaxEntries: 3, TTL: time.Minute})

	for i := 0; i < 3; i++ {
		store.Put(fmt.Sprintf("k%d", i), "", i)
	}
	// Touch k0 so k1 becomes the least recently read.
	_, st := store.Get("k0")
	require.Equal(t, cache.Hit, st)

	store.Put("k3", "", 3)

	assert.Equal(t, 3, store.Len())
	_, st = store.Get("k1")
	assert.Equal(t, cache.Miss, st, "least-recently-read entry should be evicted")
	_, st = store.Get("k0")
	assert.Equal(t, cache.Hit, st)
}

func TestStore_Invalidate(t *testing.T) {
	store, _ := newStore(t, cache.Config{MaxEntries: 3, TTL: time.Minute})
	store.Put("k1", "", "v")
	store.Invalidate("k1")
	_, st := store.Get("k1")
	assert.Equal(t, cache.Miss, st)
}

func TestNew_RejectsZeroBound(t *testing.T) {
	_, err := cache.New(cache.Config{MaxEntries: 0})
	assert.Error(t, err)
}
