// Package server exposes health, metrics and operational endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/buffer"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/retry"
)

// Buffer is the part of the buffer the API drives.
type Buffer interface {
	Stats() buffer.Stats
	Flush()
}

// Pinger checks the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components behind the endpoints. Nil components disable
// their routes.
type Deps struct {
	Buffer  Buffer
	DB      Pinger
	DLQ     *retry.DLQ
	Breaker *resilience.CircuitBreaker
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter wires all handlers and returns the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(d.DB))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if d.Buffer != nil {
			r.Get("/buffer", handleBufferStats(d.Buffer))
			r.Post("/buffer/flush", handleBufferFlush(d.Buffer))
		}
		if d.DLQ != nil {
			h := &dlqHandler{dlq: d.DLQ}
			r.Get("/dlq", h.List)
			r.Get("/dlq/{id}", h.Get)
			r.Delete("/dlq/{id}", h.Delete)
		}
		if d.Breaker != nil {
			r.Get("/circuit", handleCircuitStats(d.Breaker))
			r.Post("/circuit/reset", handleCircuitReset(d.Breaker, d.Logger))
		}
	})

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the database to confirm the sink can load.
func handleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"mysql": "ok"}
		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				checks["mysql"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, checks)
	}
}

func handleBufferStats(b Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.Stats())
	}
}

// handleBufferFlush queues every staged chunk, like a flush signal.
func handleBufferFlush(b Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b.Flush()
		writeJSON(w, http.StatusAccepted, b.Stats())
	}
}

func handleCircuitStats(cb *resilience.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, cb.Stats())
	}
}

func handleCircuitReset(cb *resilience.CircuitBreaker, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cb.Reset()
		logger.Warn().Str("circuit", cb.Name()).Msg("circuit breaker reset via API")
		writeJSON(w, http.StatusOK, cb.Stats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
