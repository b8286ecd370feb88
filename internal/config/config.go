// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full engine configuration. Every field has a sane
// default; only the API base URL and viewer identity are required.
type Config struct {
	// APIBaseURL is the thread service base URL.
	APIBaseURL string `env:"THREADSYNC_API_BASE_URL,required"`

	// ViewerID identifies the signed-in user. Unread counting and
	// optimistic sends need it.
	ViewerID string `env:"THREADSYNC_VIEWER_ID,required"`

	// RequestTimeout bounds one HTTP request.
	RequestTimeout time.Duration `env:"THREADSYNC_REQUEST_TIMEOUT" envDefault:"15s"`

	// RequestsPerSecond paces outbound requests client-side.
	RequestsPerSecond float64 `env:"THREADSYNC_REQUESTS_PER_SECOND" envDefault:"20"`
	RequestBurst      int     `env:"THREADSYNC_REQUEST_BURST" envDefault:"10"`

	// BinaryDecode advertises and prefers the compact binary encoding.
	BinaryDecode bool `env:"THREADSYNC_BINARY_DECODE" envDefault:"true"`

	// PageLimit is the default page size for message fetches.
	PageLimit int `env:"THREADSYNC_PAGE_LIMIT" envDefault:"50"`

	// Cache sizing and freshness.
	CacheMaxEntries int           `env:"THREADSYNC_CACHE_MAX_ENTRIES" envDefault:"512"`
	CacheTTL        time.Duration `env:"THREADSYNC_CACHE_TTL" envDefault:"45s"`
	CacheHardTTL    time.Duration `env:"THREADSYNC_CACHE_HARD_TTL" envDefault:"10m"`

	// FlightGrace keeps a settled single-flight key joinable briefly so
	// near-simultaneous duplicate requests share one result.
	FlightGrace time.Duration `env:"THREADSYNC_FLIGHT_GRACE" envDefault:"50ms"`

	// AfterWriteBudget is how many fetches after a local mutation carry
	// the read-your-writes hint, per thread.
	AfterWriteBudget int `env:"THREADSYNC_AFTER_WRITE_BUDGET" envDefault:"2"`

	// Send retry shape.
	SendMaxAttempts  int           `env:"THREADSYNC_SEND_MAX_ATTEMPTS" envDefault:"5"`
	SendInitialDelay time.Duration `env:"THREADSYNC_SEND_INITIAL_DELAY" envDefault:"250ms"`
	SendMaxDelay     time.Duration `env:"THREADSYNC_SEND_MAX_DELAY" envDefault:"4s"`

	// Presence coalescing windows.
	PresenceWindow           time.Duration `env:"THREADSYNC_PRESENCE_WINDOW" envDefault:"300ms"`
	PresenceBackgroundWindow time.Duration `env:"THREADSYNC_PRESENCE_BACKGROUND_WINDOW" envDefault:"5s"`

	// ThreadIDs seeds the demo daemon's catch-up loop.
	ThreadIDs []string `env:"THREADSYNC_THREAD_IDS" envSeparator:","`

	// CatchUpInterval is the demo daemon's delta poll period.
	CatchUpInterval time.Duration `env:"THREADSYNC_CATCHUP_INTERVAL" envDefault:"30s"`

	// MetricsAddr serves /metrics and /healthz.
	MetricsAddr string `env:"THREADSYNC_METRICS_ADDR" envDefault:":9184"`

	LogLevel  string `env:"THREADSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"THREADSYNC_LOG_FORMAT" envDefault:"console"`
}

// Load parses the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.CacheHardTTL < cfg.CacheTTL {
		return nil, fmt.Errorf("hard TTL %s must not be shorter than TTL %s", cfg.CacheHardTTL, cfg.CacheTTL)
	}
	return cfg, nil
}
