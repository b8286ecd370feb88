// Command threadsync runs the thread synchronization engine as a
// standalone daemon: it warms up the configured threads, polls them
// for deltas, and exposes Prometheus metrics. It exists to exercise
// the engine end to end outside an embedding app.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hireloop/threadsync/internal/config"
	"github.com/hireloop/threadsync/internal/engine"
	"github.com/hireloop/threadsync/internal/infrastructure/connectivity"
	"github.com/hireloop/threadsync/internal/infrastructure/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet.
		os.Stderr.WriteString("threadsync: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := connectivity.NewMonitor(true)
	eng, err := engine.New(cfg, log, engine.WithMonitor(monitor))
	if err != nil {
		log.Fatal().Err(err).Msg("create engine")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	if len(cfg.ThreadIDs) > 0 {
		if err := eng.WarmUp(ctx, cfg.ThreadIDs); err != nil {
			log.Warn().Err(err).Msg("warm-up failed, continuing cold")
		}
	}

	log.Info().
		Strs("threads", cfg.ThreadIDs).
		Dur("interval", cfg.CatchUpInterval).
		Msg("threadsync started")

	ticker := time.NewTicker(cfg.CatchUpInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			for _, threadID := range cfg.ThreadIDs {
				view, err := eng.CatchUp(ctx, threadID)
				if err != nil {
					log.Warn().Str("thread_id", threadID).Err(err).Msg("catch-up failed")
					continue
				}
				log.Debug().
					Str("thread_id", threadID).
					Int("unread", view.Thread.UnreadCount).
					Bool("stale", view.Stale).
					Msg("caught up")
			}
		}
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.FlushOutbox(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("outbox drain incomplete")
	}
	eng.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
}
