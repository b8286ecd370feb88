package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/threadsync/internal/domain/message"
	"github.com/hireloop/threadsync/internal/domain/retry"
	"github.com/hireloop/threadsync/internal/infrastructure/apiclient"
	"github.com/hireloop/threadsync/internal/infrastructure/connectivity"
	"github.com/hireloop/threadsync/internal/outbox"
)

// fakeSender records delivered payloads and can be scripted to fail.
type fakeSender struct {
	mu        sync.Mutex
	delivered []delivery
	nextID    int64
	failWith  func(attempt int, threadID string) error
	attempts  int
}

type delivery struct {
	threadID string
	content  string
	key      string
}

func (s *fakeSender) SendMessage(ctx context.Context, threadID string, payload message.SendPayload, key string) (*message.Message, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if s.failWith != nil {
		if err := s.failWith(attempt, threadID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.delivered = append(s.delivered, delivery{threadID: threadID, content: payload.Content, key: key})
	return &message.Message{
		ID:            s.nextID,
		ThreadID:      threadID,
		CorrelationID: payload.CorrelationID,
		Content:       payload.Content,
	}, nil
}

func (s *fakeSender) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestQueue_OfflineEnqueueThenReconnectFlushesInOrder(t *testing.T) {
	sender := &fakeSender{}
	monitor := connectivity.NewMonitor(false)

	var acked []string
	var mu sync.Mutex
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnAck: func(correlationID string, confirmed *message.Message) {
			mu.Lock()
			acked = append(acked, confirmed.Content)
			mu.Unlock()
		},
	}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("t1", message.SendPayload{CorrelationID: "a", Content: "A"})
	q.Enqueue("t1", message.SendPayload{CorrelationID: "b", Content: "B"})
	q.Enqueue("t1", message.SendPayload{CorrelationID: "c", Content: "C"})

	// Offline: nothing moves.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.deliveries())
	assert.Len(t, q.Items(), 3)

	monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(sender.deliveries()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := sender.deliveries()
	assert.Equal(t, []string{"A", "B", "C"}, []string{got[0].content, got[1].content, got[2].content})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, acked)
	assert.Empty(t, q.Items())
}

func TestQueue_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	sender := &fakeSender{}
	sender.failWith = func(attempt int, _ string) error {
		if attempt <= 2 {
			return &apiclient.APIError{StatusCode: 503, Kind: apiclient.KindTransient}
		}
		return nil
	}
	monitor := connectivity.NewMonitor(true)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{}, zerolog.Nop())
	defer q.Close()

	item := q.Enqueue("t1", message.SendPayload{Content: "retry me"})
	require.NotEmpty(t, item.CorrelationID)
	assert.Equal(t, item.CorrelationID, item.IdempotencyKey)

	require.Eventually(t, func() bool {
		return len(sender.deliveries()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, item.IdempotencyKey, sender.deliveries()[0].key,
		"every attempt must carry the same idempotency key")
}

func TestQueue_RetryCeilingMarksFailed(t *testing.T) {
	sender := &fakeSender{}
	sender.failWith = func(int, string) error {
		return &apiclient.APIError{StatusCode: 503, Kind: apiclient.KindTransient}
	}
	monitor := connectivity.NewMonitor(true)

	failed := make(chan string, 1)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnFail: func(threadID, correlationID string) { failed <- correlationID },
	}, zerolog.Nop())
	defer q.Close()

	item := q.Enqueue("t1", message.SendPayload{Content: "doomed"})

	select {
	case id := <-failed:
		assert.Equal(t, item.CorrelationID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("item never reached failed state")
	}

	items := q.Items()
	require.Len(t, items, 1, "failed items stay visible, never silently dropped")
	assert.Equal(t, outbox.StateFailed, items[0].State)
	assert.Equal(t, 3, items[0].AttemptCount)
}

func TestQueue_PermanentErrorFailsImmediately(t *testing.T) {
	sender := &fakeSender{}
	sender.failWith = func(int, string) error {
		return &apiclient.APIError{StatusCode: 422, Kind: apiclient.KindPermanent}
	}
	monitor := connectivity.NewMonitor(true)

	failed := make(chan struct{}, 1)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnFail: func(string, string) { failed <- struct{}{} },
	}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("t1", message.SendPayload{Content: "rejected"})

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("permanent error should fail without retries")
	}

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].AttemptCount)
}

func TestQueue_ManualRetryReArmsFailedItem(t *testing.T) {
	failSends := true
	var mu sync.Mutex
	sender := &fakeSender{}
	sender.failWith = func(int, string) error {
		mu.Lock()
		defer mu.Unlock()
		if failSends {
			return &apiclient.APIError{StatusCode: 400, Kind: apiclient.KindPermanent}
		}
		return nil
	}
	monitor := connectivity.NewMonitor(true)

	failed := make(chan struct{}, 1)
	acked := make(chan struct{}, 1)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnFail: func(string, string) { failed <- struct{}{} },
		OnAck:  func(string, *message.Message) { acked <- struct{}{} },
	}, zerolog.Nop())
	defer q.Close()

	item := q.Enqueue("t1", message.SendPayload{Content: "second chance"})
	<-failed

	mu.Lock()
	failSends = false
	mu.Unlock()

	require.True(t, q.Retry(item.CorrelationID))

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed item never confirmed")
	}
	assert.Empty(t, q.Items())
}

func TestQueue_CancelRemovesQueuedItem(t *testing.T) {
	sender := &fakeSender{}
	monitor := connectivity.NewMonitor(false) // offline so nothing flushes
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{}, zerolog.Nop())
	defer q.Close()

	item := q.Enqueue("t1", message.SendPayload{Content: "never mind"})
	require.True(t, q.Cancel(item.CorrelationID))
	assert.False(t, q.Cancel(item.CorrelationID))
	assert.Empty(t, q.Items())
}

func TestQueue_ThreadsFlushIndependently(t *testing.T) {
	// A thread whose head item keeps failing transiently must not block
	// sends for other threads.
	sender := &fakeSender{}
	sender.failWith = func(_ int, threadID string) error {
		if threadID == "stuck" {
			return &apiclient.APIError{StatusCode: 503, Kind: apiclient.KindTransient}
		}
		return nil
	}
	monitor := connectivity.NewMonitor(true)
	q := outbox.New(sender, monitor, outbox.Config{
		Policy: retry.Policy{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
	}, outbox.Callbacks{}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("stuck", message.SendPayload{Content: "blocked"})
	q.Enqueue("healthy", message.SendPayload{Content: "flows"})

	require.Eventually(t, func() bool {
		for _, d := range sender.deliveries() {
			if d.threadID == "healthy" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueue_FlushIsSynchronous(t *testing.T) {
	sender := &fakeSender{}
	monitor := connectivity.NewMonitor(true)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("t1", message.SendPayload{Content: "now"})

	require.NoError(t, q.Flush(context.Background()))
	// Flush races the background flusher for the lane at worst; either
	// way the item is delivered.
	require.Eventually(t, func() bool {
		return len(sender.deliveries()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestItemState_Transitions(t *testing.T) {
	tests := []struct {
		from     outbox.ItemState
		to       outbox.ItemState
		expected bool
	}{
		{outbox.StatePending, outbox.StateInFlight, true},
		{outbox.StatePending, outbox.StateConfirmed, false},
		{outbox.StateInFlight, outbox.StateRetrying, true},
		{outbox.StateInFlight, outbox.StateConfirmed, true},
		{outbox.StateRetrying, outbox.StateInFlight, true},
		{outbox.StateConfirmed, outbox.StatePending, false},
		{outbox.StateFailed, outbox.StatePending, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, outbox.StateConfirmed.IsTerminal())
	assert.True(t, outbox.StateFailed.IsTerminal())
	assert.False(t, outbox.StateRetrying.IsTerminal())
}

func TestQueue_TransientWithoutCeilingUsesBackoffDelay(t *testing.T) {
	// Delays between attempts must be spaced by the policy, so two quick
	// attempts cannot happen back to back.
	var times []time.Time
	var mu sync.Mutex
	sender := &fakeSender{}
	sender.failWith = func(attempt int, _ string) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		if attempt <= 2 {
			return &apiclient.APIError{StatusCode: 503, Kind: apiclient.KindTransient}
		}
		return nil
	}
	monitor := connectivity.NewMonitor(true)
	q := outbox.New(sender, monitor, outbox.Config{
		Policy: retry.Policy{MaxAttempts: 5, InitialDelay: 60 * time.Millisecond, MaxDelay: time.Second},
	}, outbox.Callbacks{}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("t1", message.SendPayload{Content: "spaced"})

	require.Eventually(t, func() bool {
		return len(sender.deliveries()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(times), 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 100*time.Millisecond)
}

func TestQueue_RetryRacingFailureSettlementIsSafe(t *testing.T) {
	// Re-arming an item the moment it fails must not race the settle
	// path's bookkeeping.
	sender := &fakeSender{}
	sender.failWith = func(int, string) error {
		return &apiclient.APIError{StatusCode: 400, Kind: apiclient.KindPermanent}
	}
	monitor := connectivity.NewMonitor(true)

	failed := make(chan string, 16)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnFail: func(_, correlationID string) { failed <- correlationID },
	}, zerolog.Nop())
	defer q.Close()

	item := q.Enqueue("t1", message.SendPayload{Content: "stubborn"})

	for i := 0; i < 20; i++ {
		select {
		case <-failed:
		case <-time.After(2 * time.Second):
			t.Fatal("item never settled as failed")
		}
		_ = q.Items()
		require.True(t, q.Retry(item.CorrelationID))
	}

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("final attempt never settled")
	}
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, outbox.StateFailed, items[0].State)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := outbox.New(&fakeSender{}, connectivity.NewMonitor(true), outbox.Config{}, outbox.Callbacks{}, zerolog.Nop())
	q.Close()
	q.Close()
}

func TestQueue_NonAPIErrorIsPermanent(t *testing.T) {
	sender := &fakeSender{}
	sender.failWith = func(int, string) error { return errors.New("some programming error") }
	monitor := connectivity.NewMonitor(true)

	failed := make(chan struct{}, 1)
	q := outbox.New(sender, monitor, outbox.Config{Policy: fastPolicy()}, outbox.Callbacks{
		OnFail: func(string, string) { failed <- struct{}{} },
	}, zerolog.Nop())
	defer q.Close()

	q.Enqueue("t1", message.SendPayload{Content: "x"})
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("unclassified error should settle as failed")
	}
}
