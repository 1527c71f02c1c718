// Package opshttp is the ambient operational HTTP surface for a worker
// process: liveness and Prometheus metrics only. It deliberately does not
// expose job enqueue/inspect/cancel endpoints — any CLI or admin UI for
// managing jobs is out of scope (spec.md Non-goals) — adapted from the
// teacher's internal/api/server.go router shape.
package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"jobqueue/internal/telemetry"
)

// Router builds the ops-only HTTP router for a worker process.
func Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	return r
}
