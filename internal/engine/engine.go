// Package engine wires the synchronization components into one
// lifecycle-managed facade: load and catch up threads, send with
// optimistic rendering and offline queueing, track read state, and
// coalesce presence.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hireloop/threadsync/internal/config"
	"github.com/hireloop/threadsync/internal/domain/message"
	"github.com/hireloop/threadsync/internal/domain/pager"
	"github.com/hireloop/threadsync/internal/domain/reconcile"
	"github.com/hireloop/threadsync/internal/domain/retry"
	"github.com/hireloop/threadsync/internal/infrastructure/apiclient"
	"github.com/hireloop/threadsync/internal/infrastructure/cache"
	"github.com/hireloop/threadsync/internal/infrastructure/codec"
	"github.com/hireloop/threadsync/internal/infrastructure/connectivity"
	"github.com/hireloop/threadsync/internal/infrastructure/flight"
	"github.com/hireloop/threadsync/internal/outbox"
	"github.com/hireloop/threadsync/internal/presence"
)

// ThreadView is an ordered thread snapshot plus freshness information.
type ThreadView struct {
	reconcile.View

	// Stale is true when the page behind this view was served from an
	// expired cache entry because the network kept failing.
	Stale bool
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	monitor *connectivity.Monitor
	tokens  apiclient.TokenSource
}

// WithMonitor injects the connectivity monitor the embedding app feeds.
// Without it the engine assumes it is always online.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithTokenSource injects session token handling.
func WithTokenSource(ts apiclient.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// Engine owns every component's lifecycle. Construct with New, release
// with Close.
type Engine struct {
	cfg     *config.Config
	log     zerolog.Logger
	monitor *connectivity.Monitor

	client     *apiclient.Client
	pager      *pager.Pager
	outbox     *outbox.Queue
	reconciler *reconcile.Reconciler
	presence   *presence.Coalescer
}

// New builds and starts the engine.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.monitor == nil {
		o.monitor = connectivity.NewMonitor(true)
	}

	negotiator, err := codec.New(cfg.BinaryDecode)
	if err != nil {
		return nil, fmt.Errorf("engine: codec: %w", err)
	}
	store, err := cache.New(cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
		HardTTL:    cfg.CacheHardTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: cache: %w", err)
	}

	client := apiclient.New(apiclient.Config{
		BaseURL:           cfg.APIBaseURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
	}, negotiator, o.tokens, logger)

	e := &Engine{
		cfg:        cfg,
		log:        logger.With().Str("component", "engine").Logger(),
		monitor:    o.monitor,
		client:     client,
		reconciler: reconcile.New(cfg.ViewerID, logger),
	}

	e.pager = pager.New(client, store, flight.New(cfg.FlightGrace), pager.Config{
		AfterWriteBudget: cfg.AfterWriteBudget,
	}, logger)

	e.outbox = outbox.New(client, o.monitor, outbox.Config{
		Policy: retry.Policy{
			MaxAttempts:  cfg.SendMaxAttempts,
			InitialDelay: cfg.SendInitialDelay,
			MaxDelay:     cfg.SendMaxDelay,
			JitterFactor: 0.2,
		},
	}, outbox.Callbacks{
		OnAck:  func(correlationID string, confirmed *message.Message) { e.reconciler.ApplyAck(correlationID, *confirmed) },
		OnFail: e.reconciler.MarkFailed,
	}, logger)

	e.presence = presence.New(client, presence.Config{
		Window:           cfg.PresenceWindow,
		BackgroundWindow: cfg.PresenceBackgroundWindow,
	}, logger)

	return e, nil
}

// Close stops the background goroutines. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	e.outbox.Close()
	e.presence.Close()
}

// LoadThread loads a thread's current page: fresh cache hits are
// instant, stale entries are revalidated, and on persistent network
// failure the last known page is served with Stale set.
func (e *Engine) LoadThread(ctx context.Context, threadID string) (*ThreadView, error) {
	res, err := e.pager.FetchPage(ctx, threadID, pager.Query{
		Mode:  message.ModeFull,
		Limit: e.cfg.PageLimit,
	})
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, threadID, res, message.ModeFull)
}

// CatchUp fetches only what is newer than the thread's newest known
// message. With no prior state it degrades to a full load.
func (e *Engine) CatchUp(ctx context.Context, threadID string) (*ThreadView, error) {
	newest := e.reconciler.Snapshot(threadID).Thread.NewestID
	if newest == 0 {
		return e.LoadThread(ctx, threadID)
	}
	res, err := e.pager.FetchPage(ctx, threadID, pager.Query{
		Mode:    message.ModeDelta,
		AfterID: newest,
		Limit:   e.cfg.PageLimit,
	})
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, threadID, res, message.ModeDelta)
}

// History pages backwards from beforeID for scrollback.
func (e *Engine) History(ctx context.Context, threadID string, beforeID int64) (*ThreadView, error) {
	res, err := e.pager.FetchPage(ctx, threadID, pager.Query{
		Mode:     message.ModeFull,
		BeforeID: beforeID,
		Limit:    e.cfg.PageLimit,
	})
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, threadID, res, message.ModeFull)
}

// apply merges a fetched page, unless the caller has navigated away:
// a cancelled context means the response must not touch thread state.
func (e *Engine) apply(ctx context.Context, threadID string, res *pager.Result, mode message.FetchMode) (*ThreadView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.reconciler.ApplyServerPage(threadID, res.Page.Items, mode)
	return &ThreadView{View: e.reconciler.Snapshot(threadID), Stale: res.Stale}, nil
}

// Send inserts the message optimistically and queues it for delivery.
// The returned message has no server id yet; the ack replaces it in the
// thread view once the server confirms.
func (e *Engine) Send(ctx context.Context, threadID, content string) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}

	optimistic := message.Message{
		CorrelationID: uuid.NewString(),
		ThreadID:      threadID,
		SenderID:      e.cfg.ViewerID,
		Content:       content,
		CreatedAt:     time.Now(),
	}
	e.reconciler.ApplyOptimistic(optimistic)
	e.outbox.Enqueue(threadID, message.SendPayload{
		CorrelationID: optimistic.CorrelationID,
		Content:       content,
	})
	e.pager.NoteMutation(threadID)

	optimistic.Status = message.StatusPending
	return optimistic, nil
}

// RetrySend re-arms a failed send.
func (e *Engine) RetrySend(correlationID string) bool {
	return e.outbox.Retry(correlationID)
}

// DiscardSend drops a queued or failed send and removes its optimistic
// copy from the thread view.
func (e *Engine) DiscardSend(threadID, correlationID string) bool {
	if !e.outbox.Cancel(correlationID) {
		return false
	}
	e.reconciler.DropPending(threadID, correlationID)
	return true
}

// MarkRead advances the read watermark locally, then pushes it to the
// server. The local watermark survives a failed push; the next
// successful one carries the same (monotonic, idempotent) position.
func (e *Engine) MarkRead(ctx context.Context, threadID string, upToID int64) error {
	e.reconciler.ApplyRead(threadID, upToID)

	if err := e.client.MarkRead(ctx, threadID, upToID); err != nil {
		return fmt.Errorf("engine: pushing read watermark for thread %s: %w", threadID, err)
	}
	e.pager.NoteMutation(threadID)
	return nil
}

// NoteDelivered records a recipient delivery receipt for the viewer's
// messages up to the given id. The embedding app feeds this from its
// push or receipt channel.
func (e *Engine) NoteDelivered(threadID string, upToID int64) {
	e.reconciler.ApplyDelivered(threadID, upToID)
}

// Typing signals that the viewer is typing in a thread. Bursts coalesce
// to one update per window.
func (e *Engine) Typing(threadID string) {
	e.presence.Signal(presence.KindTyping, threadID, true)
}

// SetBackgrounded widens or restores the presence coalescing window.
func (e *Engine) SetBackgrounded(backgrounded bool) {
	e.presence.SetBackgrounded(backgrounded)
}

// WarmUp batch-fetches lite previews for the thread list at startup.
func (e *Engine) WarmUp(ctx context.Context, threadIDs []string) error {
	previews, err := e.pager.FetchPreviews(ctx, threadIDs)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for threadID, items := range previews {
		e.reconciler.ApplyServerPage(threadID, items, message.ModeLite)
	}
	return nil
}

// Snapshot returns the current view of a thread without fetching.
func (e *Engine) Snapshot(threadID string) ThreadView {
	return ThreadView{View: e.reconciler.Snapshot(threadID)}
}

// PendingSends exposes the outbox contents, failed items included.
func (e *Engine) PendingSends() []outbox.Item {
	return e.outbox.Items()
}

// FlushOutbox synchronously drains the send queue, for shutdown paths.
func (e *Engine) FlushOutbox(ctx context.Context) error {
	return e.outbox.Flush(ctx)
}
