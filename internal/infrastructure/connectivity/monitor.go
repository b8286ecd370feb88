// Package connectivity tracks whether the environment currently has
// network access and notifies subscribers on transitions. The embedding
// application feeds SetOnline from whatever signal it has (OS events,
// failed probes); the engine only consumes the state and the edges.
package connectivity

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Monitor holds the current online state and a subscriber list.
// Subscriptions are explicit and return an unsubscribe func so teardown
// is contractual rather than implicit.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and, on a transition, notifies all
// subscribers. Handlers run outside the lock.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	log.Debug().Bool("online", online).Msg("connectivity changed")
	for _, fn := range handlers {
		fn(online)
	}
}

// Subscribe registers a handler for state transitions and returns an
// idempotent unsubscribe func.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
