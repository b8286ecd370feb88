package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Thread sync engine metrics
var (
	// Conditional cache outcomes
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "cache_lookups_total",
			Help:      "Conditional cache lookups by outcome (hit, stale, miss)",
		},
		[]string{"outcome"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the conditional cache under LRU pressure",
		},
	)

	// Single-flight coordination
	FlightShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "flight_shared_total",
			Help:      "Callers that joined an in-flight or just-settled fetch instead of issuing their own",
		},
	)

	// Page fetches
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "fetches_total",
			Help:      "Page fetches by mode and result (ok, not_modified, stale_fallback, decode_error, error)",
		},
		[]string{"mode", "result"},
	)

	// Offline send queue
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "outbox_depth",
			Help:      "Messages waiting in the offline send queue",
		},
	)

	OutboxAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "outbox_attempts_total",
			Help:      "Send attempts made by the offline queue, including retries",
		},
	)

	OutboxFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "outbox_failed_total",
			Help:      "Queue items that exhausted the retry ceiling or hit a permanent error",
		},
	)

	// Presence coalescing
	PresenceSignals = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "presence_signals_total",
			Help:      "Ephemeral presence/typing signals observed before coalescing",
		},
	)

	PresenceSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hireloop",
			Subsystem: "threadsync",
			Name:      "presence_sent_total",
			Help:      "Coalesced presence updates actually transmitted",
		},
	)
)
