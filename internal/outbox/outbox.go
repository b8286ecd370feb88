// Package outbox buffers outgoing message mutations while the network
// is unavailable or failing, and retries them with exponential backoff
// and a stable idempotency key until the server confirms or the retry
// ceiling is reached.
//
// Items for the same thread flush strictly in enqueue order; items for
// different threads flush concurrently.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hireloop/threadsync/internal/domain/message"
	"github.com/hireloop/threadsync/internal/domain/retry"
	"github.com/hireloop/threadsync/internal/infrastructure/apiclient"
	"github.com/hireloop/threadsync/internal/infrastructure/connectivity"
	"github.com/hireloop/threadsync/internal/infrastructure/metrics"
)

// Sender delivers one mutation attempt to the server.
type Sender interface {
	SendMessage(ctx context.Context, threadID string, payload message.SendPayload, idempotencyKey string) (*message.Message, error)
}

// Item is one queued outgoing mutation.
type Item struct {
	CorrelationID  string
	IdempotencyKey string
	ThreadID       string
	Payload        message.SendPayload
	State          ItemState
	AttemptCount   int
	NextAttemptAt  time.Time
	EnqueuedAt     time.Time
	LastError      string
}

// Config controls queue behavior.
type Config struct {
	// Policy bounds attempts and shapes the backoff curve.
	Policy retry.Policy

	// AttemptTimeout bounds one send attempt on the wire.
	AttemptTimeout time.Duration
}

// Callbacks notify the owner about settled items.
type Callbacks struct {
	// OnAck fires when the server confirms an item.
	OnAck func(correlationID string, confirmed *message.Message)

	// OnFail fires when an item reaches StateFailed.
	OnFail func(threadID, correlationID string)
}

// Queue is the offline send queue. It exclusively owns all queued,
// not-yet-confirmed outgoing mutations.
type Queue struct {
	sender  Sender
	monitor *connectivity.Monitor
	cfg     Config
	cb      Callbacks
	log     zerolog.Logger

	mu       sync.Mutex
	lanes    map[string][]*Item // per-thread FIFO
	order    []string           // lane creation order, for stable iteration
	failed   map[string]*Item
	laneBusy map[string]bool
	now      func() time.Time

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	unsub  func()
	closed bool
}

// New creates the queue and starts its background flusher. The queue
// suspends while the monitor reports offline and resumes immediately on
// the reconnect signal, not at the next backoff tick.
func New(sender Sender, monitor *connectivity.Monitor, cfg Config, cb Callbacks, logger zerolog.Logger) *Queue {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.SendPolicy()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}

	q := &Queue{
		sender:   sender,
		monitor:  monitor,
		cfg:      cfg,
		cb:       cb,
		log:      logger.With().Str("component", "outbox").Logger(),
		lanes:    make(map[string][]*Item),
		failed:   make(map[string]*Item),
		laneBusy: make(map[string]bool),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	q.unsub = monitor.Subscribe(func(online bool) {
		if online {
			q.wakeUp()
		}
	})

	go q.run()
	return q
}

// Enqueue adds a mutation. A missing correlation id is generated; the
// idempotency key is derived from it once and never changes across
// attempts.
func (q *Queue) Enqueue(threadID string, payload message.SendPayload) Item {
	if payload.CorrelationID == "" {
		payload.CorrelationID = uuid.NewString()
	}

	item := &Item{
		CorrelationID:  payload.CorrelationID,
		IdempotencyKey: payload.CorrelationID,
		ThreadID:       threadID,
		Payload:        payload,
		State:          StatePending,
		EnqueuedAt:     q.now(),
		NextAttemptAt:  q.now(),
	}

	q.mu.Lock()
	if _, ok := q.lanes[threadID]; !ok {
		q.order = append(q.order, threadID)
	}
	q.lanes[threadID] = append(q.lanes[threadID], item)
	depth := q.depthLocked()
	snapshot := *item
	q.mu.Unlock()

	metrics.OutboxDepth.Set(float64(depth))
	q.log.Debug().
		Str("thread_id", threadID).
		Str("correlation_id", item.CorrelationID).
		Msg("message enqueued")
	q.wakeUp()
	return snapshot
}

// Cancel removes a queued or failed item. In-flight items cannot be
// cancelled; the attempt on the wire settles first.
func (q *Queue) Cancel(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.failed[correlationID]; ok {
		delete(q.failed, correlationID)
		return true
	}
	for threadID, lane := range q.lanes {
		for i, item := range lane {
			if item.CorrelationID != correlationID {
				continue
			}
			if item.State == StateInFlight {
				return false
			}
			q.lanes[threadID] = append(lane[:i], lane[i+1:]...)
			metrics.OutboxDepth.Set(float64(q.depthLocked()))
			return true
		}
	}
	return false
}

// Retry re-arms a failed item at the tail of its thread's lane.
func (q *Queue) Retry(correlationID string) bool {
	q.mu.Lock()
	item, ok := q.failed[correlationID]
	if !ok || !item.State.CanTransitionTo(StatePending) {
		q.mu.Unlock()
		return false
	}
	delete(q.failed, correlationID)
	item.State = StatePending
	item.AttemptCount = 0
	item.NextAttemptAt = q.now()
	item.LastError = ""
	if _, exists := q.lanes[item.ThreadID]; !exists {
		q.order = append(q.order, item.ThreadID)
	}
	q.lanes[item.ThreadID] = append(q.lanes[item.ThreadID], item)
	q.mu.Unlock()

	q.wakeUp()
	return true
}

// Items returns a snapshot of every item the queue still tracks,
// including failed ones.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for _, threadID := range q.order {
		for _, item := range q.lanes[threadID] {
			out = append(out, *item)
		}
	}
	for _, item := range q.failed {
		out = append(out, *item)
	}
	return out
}

// Flush synchronously attempts every queued item regardless of its
// scheduled backoff, lane by lane, lanes in parallel.
func (q *Queue) Flush(ctx context.Context) error {
	return q.flushLanes(ctx, true)
}

// Close stops the background flusher and unsubscribes from the monitor.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.unsub()
	close(q.stop)
	<-q.done
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// run is the background flusher loop.
func (q *Queue) run() {
	defer close(q.done)

	for {
		if !q.monitor.Online() {
			// Parked until the reconnect signal wakes us; retries resume
			// immediately, not at the next scheduled backoff tick.
			select {
			case <-q.stop:
				return
			case <-q.wake:
			}
			continue
		}

		delay := q.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}

		if err := q.flushLanes(context.Background(), false); err != nil {
			q.log.Debug().Err(err).Msg("flush pass ended early")
		}
	}
}

// nextDelay computes how long the flusher may sleep before the next
// scheduled attempt comes due.
func (q *Queue) nextDelay() time.Duration {
	const park = time.Minute

	q.mu.Lock()
	defer q.mu.Unlock()

	earliest := time.Time{}
	for _, lane := range q.lanes {
		if len(lane) == 0 {
			continue
		}
		head := lane[0]
		if head.State != StatePending && head.State != StateRetrying {
			continue
		}
		if earliest.IsZero() || head.NextAttemptAt.Before(earliest) {
			earliest = head.NextAttemptAt
		}
	}
	if earliest.IsZero() {
		return park
	}
	d := earliest.Sub(q.now())
	if d < 0 {
		return 0
	}
	return d
}

// flushLanes drives every non-busy lane that has work, lanes in
// parallel, each lane strictly in order.
func (q *Queue) flushLanes(ctx context.Context, ignoreSchedule bool) error {
	q.mu.Lock()
	var ready []string
	for _, threadID := range q.order {
		if q.laneBusy[threadID] || len(q.lanes[threadID]) == 0 {
			continue
		}
		q.laneBusy[threadID] = true
		ready = append(ready, threadID)
	}
	q.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}

	grp, ctx := errgroup.WithContext(ctx)
	for _, threadID := range ready {
		threadID := threadID
		grp.Go(func() error {
			defer func() {
				q.mu.Lock()
				q.laneBusy[threadID] = false
				q.mu.Unlock()
			}()
			return q.flushLane(ctx, threadID, ignoreSchedule)
		})
	}
	return grp.Wait()
}

// flushLane sends the lane's head items one at a time, in enqueue
// order, until the lane empties, an item needs to wait out its backoff,
// or the environment goes offline.
func (q *Queue) flushLane(ctx context.Context, threadID string, ignoreSchedule bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !q.monitor.Online() {
			return nil
		}

		q.mu.Lock()
		lane := q.lanes[threadID]
		if len(lane) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := lane[0]
		if head.State != StatePending && head.State != StateRetrying {
			q.mu.Unlock()
			return nil
		}
		if !ignoreSchedule && head.NextAttemptAt.After(q.now()) {
			q.mu.Unlock()
			return nil
		}
		head.State = StateInFlight
		head.AttemptCount++
		attempt := head.AttemptCount
		payload := head.Payload
		key := head.IdempotencyKey
		q.mu.Unlock()

		metrics.OutboxAttempts.Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		confirmed, err := q.sender.SendMessage(attemptCtx, threadID, payload, key)
		cancel()

		if err == nil {
			q.settleConfirmed(threadID, head, confirmed)
			continue
		}

		if apiclient.IsTransient(err) && q.cfg.Policy.ShouldRetry(attempt) {
			delay := q.cfg.Policy.Delay(attempt)
			q.mu.Lock()
			head.State = StateRetrying
			head.NextAttemptAt = q.now().Add(delay)
			head.LastError = err.Error()
			q.mu.Unlock()

			q.log.Warn().
				Str("thread_id", threadID).
				Str("correlation_id", head.CorrelationID).
				Int("attempt", attempt).
				Dur("retry_delay", delay).
				Err(err).
				Msg("send failed, retrying")

			if !ignoreSchedule {
				return nil
			}
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		q.settleFailed(threadID, head, err)
	}
}

func (q *Queue) settleConfirmed(threadID string, item *Item, confirmed *message.Message) {
	q.mu.Lock()
	item.State = StateConfirmed
	q.removeFromLane(threadID, item.CorrelationID)
	depth := q.depthLocked()
	q.mu.Unlock()

	metrics.OutboxDepth.Set(float64(depth))
	q.log.Debug().
		Str("thread_id", threadID).
		Str("correlation_id", item.CorrelationID).
		Int64("server_id", confirmed.ID).
		Msg("send confirmed")
	if q.cb.OnAck != nil {
		q.cb.OnAck(item.CorrelationID, confirmed)
	}
}

func (q *Queue) settleFailed(threadID string, item *Item, err error) {
	q.mu.Lock()
	item.State = StateFailed
	item.LastError = err.Error()
	// Once q.mu is released, Retry may re-arm the item and rewrite these
	// fields, so snapshot them for the log line.
	correlationID := item.CorrelationID
	attempts := item.AttemptCount
	q.removeFromLane(threadID, correlationID)
	q.failed[correlationID] = item
	depth := q.depthLocked()
	q.mu.Unlock()

	metrics.OutboxDepth.Set(float64(depth))
	metrics.OutboxFailed.Inc()
	q.log.Error().
		Str("thread_id", threadID).
		Str("correlation_id", correlationID).
		Int("attempts", attempts).
		Err(err).
		Msg("send failed permanently")
	if q.cb.OnFail != nil {
		q.cb.OnFail(threadID, correlationID)
	}
}

func (q *Queue) removeFromLane(threadID, correlationID string) {
	lane := q.lanes[threadID]
	for i, item := range lane {
		if item.CorrelationID == correlationID {
			q.lanes[threadID] = append(lane[:i], lane[i+1:]...)
			return
		}
	}
}
