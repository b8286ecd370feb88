package message

import "errors"

// Status represents the delivery lifecycle of a message.
type Status string

const (
	// StatusPending is an optimistic local message that has not been
	// confirmed by the server yet.
	StatusPending Status = "pending"

	// StatusSent means the server confirmed the message and assigned an id.
	StatusSent Status = "sent"

	// StatusDelivered means the recipient's device acknowledged receipt.
	StatusDelivered Status = "delivered"

	// StatusFailed means the send exhausted its retry ceiling or hit a
	// permanent error. Failed messages stay visible so the user can retry
	// or discard them.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid message status transition")

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {},
	StatusFailed:    {StatusPending}, // manual retry re-arms the send
}

// IsTerminal returns true if no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered
}

// IsRetryable returns true if the status allows a manual retry.
func (s Status) IsRetryable() bool {
	return s == StatusFailed
}

// CanTransitionTo checks whether moving to target is a valid transition.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionTo attempts the transition and returns an error if invalid.
func (s Status) TransitionTo(target Status) (Status, error) {
	if !s.CanTransitionTo(target) {
		return s, ErrInvalidTransition
	}
	return target, nil
}

func (s Status) String() string {
	return string(s)
}
