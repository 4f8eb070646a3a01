// Package diagnostics is the loopback-only HTTP surface exposing X's
// health rollup and a handful of plain runtime counters, grounded on the
// teacher's own httpapi router idiom (middleware stack, chi routing,
// `/healthz`) repurposed for the daemon's own observability instead of
// sync CRUD.
package diagnostics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/lifecycle"
)

// HealthReporter is whatever can produce a lifecycle rollup; satisfied by
// *lifecycle.Registry.
type HealthReporter interface {
	Healthy() bool
	HealthReport() []lifecycle.Health
}

// Counters is a set of plain runtime counters surfaced at /metrics.
// Increment methods are safe for concurrent use.
type Counters struct {
	messagesIngested Counter
	reconnects       Counter
	queueDepth       Gauge
}

// NewCounters builds an empty Counters set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncMessagesIngested() { c.messagesIngested.Inc() }
func (c *Counters) IncReconnects()       { c.reconnects.Inc() }
func (c *Counters) SetQueueDepth(n int)  { c.queueDepth.Set(int64(n)) }

func (c *Counters) snapshot() map[string]int64 {
	return map[string]int64{
		"messages_ingested": c.messagesIngested.Value(),
		"reconnects":        c.reconnects.Value(),
		"queue_depth":       c.queueDepth.Value(),
	}
}

// Router builds the diagnostics HTTP handler: /healthz reports health's
// rollup, /metrics reports counters, /selftest runs RunSelfTest against
// the wired dependencies. Intended to be bound to a loopback-only listener
// by the caller.
func Router(health HealthReporter, counters *Counters, httpClient Pinger, sock SocketStater, db IntegrityChecker, contacts ContactCoverage) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost*", "file://*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		report := health.HealthReport()
		status := http.StatusOK
		if !health.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"healthy":    health.Healthy(),
			"components": report,
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, counters.snapshot())
	})

	r.Get("/selftest", func(w http.ResponseWriter, req *http.Request) {
		result := RunSelfTest(req.Context(), httpClient, sock, db, contacts)
		writeJSON(w, http.StatusOK, result)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("diagnostics: failed to encode response")
	}
}
