package outbox

// ItemState is the explicit retry state machine per queue item. Retry
// bookkeeping (attempt count, next attempt time, terminal state) lives
// on the item so it is inspectable and testable.
type ItemState string

const (
	// StatePending means the item waits for its first attempt.
	StatePending ItemState = "pending"

	// StateInFlight means a send attempt is on the wire.
	StateInFlight ItemState = "in_flight"

	// StateRetrying means the last attempt failed transiently and the
	// item waits out its backoff delay.
	StateRetrying ItemState = "retrying"

	// StateConfirmed means the server acknowledged the send.
	StateConfirmed ItemState = "confirmed"

	// StateFailed means the retry ceiling was reached or the error was
	// permanent. The item is surfaced, never silently dropped.
	StateFailed ItemState = "failed"
)

var validTransitions = map[ItemState][]ItemState{
	StatePending:   {StateInFlight},
	StateInFlight:  {StateConfirmed, StateRetrying, StateFailed, StatePending},
	StateRetrying:  {StateInFlight},
	StateConfirmed: {},
	StateFailed:    {StatePending}, // manual retry re-arms the item
}

// CanTransitionTo checks whether moving to target is a valid transition.
func (s ItemState) CanTransitionTo(target ItemState) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the item has left the queue's control.
func (s ItemState) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s ItemState) String() string {
	return string(s)
}
