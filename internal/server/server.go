package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framecast/framecast/internal/config"
	"github.com/framecast/framecast/internal/ingest"
	"github.com/framecast/framecast/internal/metrics"
	"github.com/framecast/framecast/internal/registry"
)

// New constructs the HTTP handler for the server: the producer websocket
// endpoint, the status API and the metrics/health surface. It also starts
// the registry sweep that collects abandoned streams; the sweep runs until
// ctx is done.
func New(ctx context.Context, cfg config.ServerConfig, reg *registry.Registry) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET"},
		}))
	}
	r.Handle(cfg.WSPath, ingest.WSHandler(reg, ingest.Config{
		IdleTimeout:     cfg.IdleTimeout,
		DefaultCapacity: cfg.StreamCapacity,
		ErrorThreshold:  cfg.ErrorThreshold,
	}))
	r.Get("/api/state", stateHandler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	sweepEvery := cfg.StreamGrace / 2
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				reg.Sweep(now)
				metrics.SetStreams(len(reg.Snapshot()))
			}
		}
	}()

	return r
}
