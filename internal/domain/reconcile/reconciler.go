// Package reconcile merges optimistic local messages, queued-but-
// unconfirmed sends, and server-confirmed pages into one ordered,
// deduplicated view per thread, and tracks read watermarks.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hireloop/threadsync/internal/domain/message"
)

// View is an ordered snapshot of a thread: confirmed messages sorted by
// server id ascending, then pending messages in submission order.
type View struct {
	Thread   message.Thread
	Messages []message.Message
}

type threadState struct {
	confirmed     []message.Message // sorted by ID asc, unique ids
	pending       []message.Message // submission order
	readUpTo      int64
	deliveredUpTo int64
}

// Reconciler exclusively owns thread view state. All mutation goes
// through Apply* calls; snapshots are copies.
type Reconciler struct {
	mu       sync.RWMutex
	viewerID string
	threads  map[string]*threadState
	log      zerolog.Logger
}

// New creates a Reconciler for the given viewer. Unread counting needs
// to know which messages the viewer authored.
func New(viewerID string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		viewerID: viewerID,
		threads:  make(map[string]*threadState),
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

func (r *Reconciler) state(threadID string) *threadState {
	ts, ok := r.threads[threadID]
	if !ok {
		ts = &threadState{}
		r.threads[threadID] = ts
	}
	return ts
}

// ApplyOptimistic inserts a locally-sent, not-yet-confirmed message.
// It renders after all confirmed messages, ordered by submission time.
func (r *Reconciler) ApplyOptimistic(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.Status = message.StatusPending
	ts := r.state(msg.ThreadID)
	ts.pending = append(ts.pending, msg)
}

// ApplyServerPage merges a fetched page into the thread. Delta merges
// are additive only; full and lite merges also refresh the payload of
// messages already present. Applying the same page twice is a no-op.
func (r *Reconciler) ApplyServerPage(threadID string, items []message.Message, mode message.FetchMode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.state(threadID)
	for _, item := range items {
		if !confirmedMessage(item) {
			continue
		}
		r.mergeConfirmed(ts, item, mode)
	}
	sort.Slice(ts.confirmed, func(i, j int) bool {
		return ts.confirmed[i].ID < ts.confirmed[j].ID
	})
}

func confirmedMessage(m message.Message) bool {
	return m.ID > 0
}

// promote advances a status through the transition machine; an invalid
// transition leaves the status as it is (Delivered is never downgraded
// to Sent by a later page).
func promote(s, target message.Status) message.Status {
	if s == "" {
		s = message.StatusPending
	}
	if next, err := s.TransitionTo(target); err == nil {
		return next
	}
	return s
}

func (r *Reconciler) mergeConfirmed(ts *threadState, item message.Message, mode message.FetchMode) {
	item.Status = promote(item.Status, message.StatusSent)
	if item.SenderID == r.viewerID && item.ID <= ts.deliveredUpTo {
		item.Status = promote(item.Status, message.StatusDelivered)
	}

	// A server copy of one of our own queued sends confirms it.
	if item.CorrelationID != "" {
		r.removePending(ts, item.CorrelationID)
	}

	for i := range ts.confirmed {
		if ts.confirmed[i].ID == item.ID {
			if mode != message.ModeDelta {
				// Full/lite refreshes may replace what we hold.
				ts.confirmed[i] = item
			}
			return
		}
	}

	ts.confirmed = append(ts.confirmed, item)
}

func (r *Reconciler) removePending(ts *threadState, correlationID string) bool {
	for i := range ts.pending {
		if ts.pending[i].CorrelationID == correlationID {
			ts.pending = append(ts.pending[:i], ts.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyAck replaces the optimistic copy matched by correlation id with
// the server-confirmed message. Applying the same ack twice is a no-op.
func (r *Reconciler) ApplyAck(correlationID string, confirmed message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.state(confirmed.ThreadID)
	if !r.removePending(ts, correlationID) {
		// Already confirmed through a page merge or a duplicate ack.
		for _, m := range ts.confirmed {
			if m.ID == confirmed.ID {
				return
			}
		}
	}

	confirmed.Status = promote(confirmed.Status, message.StatusSent)
	ts.confirmed = append(ts.confirmed, confirmed)
	sort.Slice(ts.confirmed, func(i, j int) bool {
		return ts.confirmed[i].ID < ts.confirmed[j].ID
	})
}

// MarkFailed flips a pending message to Failed. It stays visible so the
// user can retry or discard it.
func (r *Reconciler) MarkFailed(threadID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.state(threadID)
	for i := range ts.pending {
		if ts.pending[i].CorrelationID == correlationID {
			ts.pending[i].Status = promote(ts.pending[i].Status, message.StatusFailed)
			return
		}
	}
}

// DropPending removes a pending message, for user-initiated discard of
// a failed send.
func (r *Reconciler) DropPending(threadID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePending(r.state(threadID), correlationID)
}

// ApplyDelivered advances the delivered watermark from a recipient
// receipt and promotes the viewer's confirmed messages up to it.
// Monotonic like the read watermark.
func (r *Reconciler) ApplyDelivered(threadID string, upToID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.state(threadID)
	if upToID <= ts.deliveredUpTo {
		return
	}
	ts.deliveredUpTo = upToID
	for i := range ts.confirmed {
		m := &ts.confirmed[i]
		if m.SenderID == r.viewerID && m.ID <= upToID {
			m.Status = promote(m.Status, message.StatusDelivered)
		}
	}
}

// ApplyRead advances the read watermark. Watermarks are monotonic: an
// older marker arriving after a newer one is ignored.
func (r *Reconciler) ApplyRead(threadID string, upToID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.state(threadID)
	if upToID <= ts.readUpTo {
		return
	}
	ts.readUpTo = upToID
}

// Snapshot returns a copy of the thread's ordered view and summary.
func (r *Reconciler) Snapshot(threadID string) View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts, ok := r.threads[threadID]
	if !ok {
		return View{Thread: message.Thread{ThreadID: threadID}}
	}

	msgs := make([]message.Message, 0, len(ts.confirmed)+len(ts.pending))
	msgs = append(msgs, ts.confirmed...)
	msgs = append(msgs, ts.pending...)

	return View{
		Thread:   r.summarize(threadID, ts),
		Messages: msgs,
	}
}

func (r *Reconciler) summarize(threadID string, ts *threadState) message.Thread {
	th := message.Thread{ThreadID: threadID}

	unread := 0
	var lastActivity time.Time
	var lastSnippet string

	if n := len(ts.confirmed); n > 0 {
		th.OldestID = ts.confirmed[0].ID
		th.NewestID = ts.confirmed[n-1].ID
		for _, m := range ts.confirmed {
			if m.SenderID != r.viewerID && m.ID > ts.readUpTo {
				unread++
			}
		}
		last := ts.confirmed[n-1]
		lastSnippet = last.Content
		lastActivity = last.CreatedAt
	}
	if n := len(ts.pending); n > 0 {
		last := ts.pending[n-1]
		lastSnippet = last.Content
		if last.CreatedAt.After(lastActivity) {
			lastActivity = last.CreatedAt
		}
	}

	th.UnreadCount = unread
	th.LastSnippet = lastSnippet
	th.LastActivityAt = lastActivity
	return th
}
