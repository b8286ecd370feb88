// Package presence coalesces high-frequency ephemeral signals (typing,
// online heartbeats) into at most one transmission per signal kind and
// thread per window. Within a window the latest payload wins; a window
// with no signals transmits nothing.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hireloop/threadsync/internal/infrastructure/metrics"
)

// Kind labels a class of ephemeral signal.
type Kind string

const (
	KindTyping    Kind = "typing"
	KindHeartbeat Kind = "heartbeat"
)

// Transmitter sends one coalesced signal to the server.
type Transmitter interface {
	SendPresence(ctx context.Context, threadID, kind string, payload any) error
}

type signalKey struct {
	kind     Kind
	threadID string
}

// Config controls coalescing windows.
type Config struct {
	// Window is the coalescing interval while the app is foregrounded.
	Window time.Duration

	// BackgroundWindow replaces Window while backgrounded, trading
	// signal freshness for radio and battery.
	BackgroundWindow time.Duration

	// SendTimeout bounds one transmission.
	SendTimeout time.Duration
}

// Coalescer buffers signals and flushes the latest payload per
// (kind, thread) once per window. Flushes run off the caller's
// goroutine; presence is fire-and-forget, send failures are logged and
// dropped.
type Coalescer struct {
	tx  Transmitter
	cfg Config
	log zerolog.Logger

	mu           sync.Mutex
	pending      map[signalKey]any
	timer        *time.Timer
	backgrounded bool
	closed       bool

	flushing sync.WaitGroup
}

// New creates a Coalescer. Zero config fields get defaults: 300ms
// window, 5s background window, 3s send timeout.
func New(tx Transmitter, cfg Config, logger zerolog.Logger) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Millisecond
	}
	if cfg.BackgroundWindow <= 0 {
		cfg.BackgroundWindow = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	return &Coalescer{
		tx:      tx,
		cfg:     cfg,
		log:     logger.With().Str("component", "presence").Logger(),
		pending: make(map[signalKey]any),
	}
}

// Signal records an ephemeral update. The first signal of a window arms
// the flush timer; later signals in the same window overwrite the
// pending payload and cost nothing on the wire.
func (c *Coalescer) Signal(kind Kind, threadID string, payload any) {
	metrics.PresenceSignals.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.pending[signalKey{kind: kind, threadID: threadID}] = payload
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window(), c.flushTimer)
	}
}

// SetBackgrounded switches between the foreground and background
// coalescing windows. An armed timer keeps its current deadline; the
// new window applies from the next one.
func (c *Coalescer) SetBackgrounded(backgrounded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backgrounded = backgrounded
}

// Close flushes anything pending and stops the coalescer. Signals after
// Close are dropped.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.takeLocked()
	c.mu.Unlock()

	c.send(batch)
	c.flushing.Wait()
}

func (c *Coalescer) window() time.Duration {
	if c.backgrounded {
		return c.cfg.BackgroundWindow
	}
	return c.cfg.Window
}

func (c *Coalescer) flushTimer() {
	c.mu.Lock()
	c.timer = nil
	batch := c.takeLocked()
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	c.flushing.Add(1)
	go func() {
		defer c.flushing.Done()
		c.send(batch)
	}()
}

func (c *Coalescer) takeLocked() map[signalKey]any {
	if len(c.pending) == 0 {
		return nil
	}
	batch := c.pending
	c.pending = make(map[signalKey]any)
	return batch
}

func (c *Coalescer) send(batch map[signalKey]any) {
	for key, payload := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		err := c.tx.SendPresence(ctx, key.threadID, string(key.kind), payload)
		cancel()
		if err != nil {
			c.log.Debug().
				Str("thread_id", key.threadID).
				Str("kind", string(key.kind)).
				Err(err).
				Msg("presence send dropped")
			continue
		}
		metrics.PresenceSent.Inc()
	}
}
