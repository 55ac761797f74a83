package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/service"
)

// StatsReader is the read side of the statistics aggregator.
// *service.StatsAggregator implements it.
type StatsReader interface {
	Overview(ctx context.Context, queue string) (*service.QueueOverview, error)
	Hourly(ctx context.Context, queue string, from, to time.Time) ([]domain.QueueStatsBucket, error)
	DailyByQueue(ctx context.Context, day time.Time) ([]domain.QueueRollup, error)
}

var _ StatsReader = (*service.StatsAggregator)(nil)

// ReadinessCheck reports whether the process can serve work, typically by
// pinging the database.
type ReadinessCheck func(ctx context.Context) error

// OpsHandler serves health probes and queue statistics.
type OpsHandler struct {
	stats    StatsReader
	ready    ReadinessCheck
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// NewOpsHandler creates an OpsHandler. A nil ready check always passes.
func NewOpsHandler(stats StatsReader, ready ReadinessCheck, now func() time.Time, logger *slog.Logger) *OpsHandler {
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{
		stats:    stats,
		ready:    ready,
		validate: validator.New(),
		now:      now,
		logger:   logger.With("component", "ops_handler"),
	}
}

// Healthz reports that the process is alive.
func (h *OpsHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs the readiness check with a short timeout.
func (h *OpsHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready(ctx); err != nil {
		respondWithError(w, r, http.StatusServiceUnavailable, "Not ready", err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// QueueStats returns live counts and today's rollup of one queue.
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	overview, err := h.stats.Overview(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, overview)
}

// hourlyQuery bounds an hourly listing. Times are RFC 3339.
type hourlyQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtfield=From"`
}

// QueueHourly lists the hourly buckets of one queue. The window defaults to
// the last 24 hours.
func (h *OpsHandler) QueueHourly(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	q := hourlyQuery{From: now.Add(-24 * time.Hour), To: now}

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if q.From, err = time.Parse(time.RFC3339, raw); err != nil {
			handleError(w, r, fmt.Errorf("%w: from: %v", domain.ErrValidation, err))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if q.To, err = time.Parse(time.RFC3339, raw); err != nil {
			handleError(w, r, fmt.Errorf("%w: to: %v", domain.ErrValidation, err))
			return
		}
	}
	if err := h.validate.Struct(q); err != nil {
		handleError(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	buckets, err := h.stats.Hourly(r.Context(), chi.URLParam(r, "queue"), q.From, q.To)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, buckets)
}

// DailyStats rolls up one UTC day per queue. date is YYYY-MM-DD and
// defaults to today.
func (h *OpsHandler) DailyStats(w http.ResponseWriter, r *http.Request) {
	day := h.now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			handleError(w, r, fmt.Errorf("%w: date: %v", domain.ErrValidation, err))
			return
		}
		day = parsed
	}

	rollups, err := h.stats.DailyByQueue(r.Context(), day)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, rollups)
}
