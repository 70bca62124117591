// Package handlers holds the HTTP handlers fleetd serves next to its
// background tasks.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentfleet/pkg/logx"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// pingTimeout bounds the database ping behind /health.
const pingTimeout = 2 * time.Second

var logger = logx.NewLogger("http")

// HealthHandler handles HTTP requests to the /health endpoint. With a nil
// db it only reports liveness.
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Only allow GET method
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain")

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn("health check failed: %v", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("database unavailable"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// MetricsHandler exposes the collectors registered on g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecentFunc returns buffered entries for a domain newer than since.
type RecentFunc func(domain string, since time.Time) []logx.Entry

// RecentHandler serves src as JSON. Optional query parameters: domain, and
// since as a Go duration looking back from now (e.g. "15m").
func RecentHandler(src RecentFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var since time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				http.Error(w, "since must be a non-negative duration", http.StatusBadRequest)
				return
			}
			since = time.Now().Add(-d)
		}

		entries := src(r.URL.Query().Get("domain"), since)
		if entries == nil {
			entries = []logx.Entry{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			logger.Warn("encode recent entries: %v", err)
		}
	}
}

// NewMux wires /health, /metrics and /logs. alerts, when set, is served on
// /alerts/recent.
func NewMux(db Pinger, g prometheus.Gatherer, alerts RecentFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler(db))
	mux.Handle("/metrics", MetricsHandler(g))
	mux.Handle("/logs", RecentHandler(logx.Recent))
	if alerts != nil {
		mux.Handle("/alerts/recent", RecentHandler(alerts))
	}
	return mux
}
