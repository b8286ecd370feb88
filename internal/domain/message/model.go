// Package message defines the shared data model for the thread
// synchronization engine: messages, thread summaries, and the page
// envelopes returned by the messaging API.
package message

import (
	"time"
)

// SenderRole indicates which side of the marketplace authored a message.
type SenderRole string

const (
	RoleClient   SenderRole = "client"
	RoleProvider SenderRole = "provider"
	RoleSystem   SenderRole = "system"
)

// FetchMode selects how much of a thread a page fetch returns.
type FetchMode string

const (
	// ModeFull returns a complete snapshot. Used for first load or when
	// the client has no prior cursor state.
	ModeFull FetchMode = "full"

	// ModeLite returns a reduced per-message field set for previews.
	ModeLite FetchMode = "lite"

	// ModeDelta returns only messages newer than a given cursor. Used to
	// catch up after a reconnect.
	ModeDelta FetchMode = "delta"
)

// AttachmentRef points at an uploaded attachment. Upload transport is
// handled elsewhere; the engine only carries the reference.
type AttachmentRef struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message in a thread.
//
// ID is zero until the server confirms the message. CorrelationID is
// client-generated, stable for the life of the send attempt, and is how
// an optimistic copy is matched with its server-confirmed counterpart.
type Message struct {
	ID            int64               `json:"id,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	ThreadID      string              `json:"thread_id" validate:"required"`
	SenderID      string              `json:"sender_id"`
	SenderRole    SenderRole          `json:"sender_role,omitempty"`
	Content       string              `json:"content"`
	Attachment    *AttachmentRef      `json:"attachment,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	DeliveredAt   *time.Time          `json:"delivered_at,omitempty"`
	ReadAt        *time.Time          `json:"read_at,omitempty"`
	Reactions     map[string][]string `json:"reactions,omitempty"`
	Status        Status              `json:"status,omitempty"`
}

// Confirmed reports whether the server has assigned this message an id.
func (m *Message) Confirmed() bool {
	return m.ID > 0
}

// SendPayload is the mutation body for creating a message.
type SendPayload struct {
	CorrelationID string         `json:"correlation_id" validate:"required"`
	Content       string         `json:"content"`
	Attachment    *AttachmentRef `json:"attachment,omitempty"`
}

// Page is the envelope returned by the paginated messages endpoint.
type Page struct {
	Items       []Message `json:"items" validate:"dive"`
	HasMore     bool      `json:"has_more"`
	NextCursor  int64     `json:"next_cursor,omitempty"`
	DeltaCursor int64     `json:"delta_cursor,omitempty"`

	// ETag is taken from the response header, not the body.
	ETag string `json:"-"`
}

// Thread is the per-conversation summary maintained by the reconciler.
// It is never mutated directly by callers.
type Thread struct {
	ThreadID       string    `json:"thread_id"`
	OldestID       int64     `json:"oldest_id"`
	NewestID       int64     `json:"newest_id"`
	UnreadCount    int       `json:"unread_count"`
	LastSnippet    string    `json:"last_snippet"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
