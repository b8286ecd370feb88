package flight_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/threadsync/internal/infrastructure/flight"
)

func TestGroup_ConcurrentCallersShareOneProducer(t *testing.T) {
	g := flight.New(0)

	var calls int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const n = 10
	results := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, _, err := g.Do(context.Background(), "key", producer)
			require.NoError(t, err)
			results[i] = val
		}(i)
	}

	// Let all goroutines pile onto the flight before it settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "producer must run exactly once")
	for _, val := range results {
		assert.Equal(t, "result", val)
	}
}

func TestGroup_GraceWindowSharesSettledResult(t *testing.T) {
	g := flight.New(200 * time.Millisecond)

	var calls int32
	producer := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	}

	val, _, err := g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	// An immediately-following call joins the settled result.
	val, shared, err := g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	assert.Equal(t, "v1", val)
	assert.True(t, shared)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// After the grace window a new producer call runs.
	time.Sleep(300 * time.Millisecond)
	_, _, err = g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGroup_DistinctKeysDoNotShare(t *testing.T) {
	g := flight.New(time.Second)

	var calls int32
	producer := func(ctx context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	v1, _, err := g.Do(context.Background(), "a", producer)
	require.NoError(t, err)
	v2, _, err := g.Do(context.Background(), "b", producer)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestGroup_ForgetDropsSettledResult(t *testing.T) {
	g := flight.New(time.Minute)

	var calls int32
	producer := func(ctx context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	_, _, err := g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	g.Forget("key")
	_, _, err = g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGroup_ReentrantProducerFailsInsteadOfDeadlocking(t *testing.T) {
	g := flight.New(0)

	val, _, err := g.Do(context.Background(), "key", func(ctx context.Context) (any, error) {
		_, _, nested := g.Do(ctx, "key", func(ctx context.Context) (any, error) {
			return "never", nil
		})
		return "outer", nested
	})
	assert.ErrorIs(t, err, flight.ErrReentrant)
	assert.Equal(t, "outer", val)
}

func TestGroup_NestedDistinctKeysAllowed(t *testing.T) {
	g := flight.New(0)

	val, _, err := g.Do(context.Background(), "outer", func(ctx context.Context) (any, error) {
		inner, _, err := g.Do(ctx, "inner", func(ctx context.Context) (any, error) {
			return "inner-result", nil
		})
		return inner, err
	})
	require.NoError(t, err)
	assert.Equal(t, "inner-result", val)
}

func TestGroup_CallerCancellationDoesNotKillFlight(t *testing.T) {
	g := flight.New(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	}

	go func() {
		_, _, _ = g.Do(context.Background(), "key", producer)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := g.Do(ctx, "key", producer)
	assert.ErrorIs(t, err, context.Canceled)

	// The original flight still settles and its result is shared.
	close(release)
	time.Sleep(50 * time.Millisecond)
	val, shared, err := g.Do(context.Background(), "key", producer)
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Equal(t, "done", val)
}
