package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the ops endpoints. metrics may be nil, in which case
// /metrics is not mounted.
func NewRouter(ops *OpsHandler, metrics http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware(logger))

	r.Get("/healthz", ops.Healthz)
	r.Get("/readyz", ops.Readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues/{queue}/stats", ops.QueueStats)
		r.Get("/queues/{queue}/stats/hourly", ops.QueueHourly)
		r.Get("/stats/daily", ops.DailyStats)
	})
	return r
}
