// Package api exposes a small HTTP control surface: data-change signals from
// the reminder editor, user actions, schedule preview and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hray3182/MedLine/internal/models"
	"github.com/hray3182/MedLine/internal/processor"
	"github.com/hray3182/MedLine/internal/repository"
	"github.com/hray3182/MedLine/internal/scheduler"
)

type Engine interface {
	Submit(ctx context.Context, occurrenceID int64, action models.Action) (processor.Outcome, error)
	RequestReschedule()
	ReminderDeleted(ctx context.Context, reminderID int64) error
}

type Previewer interface {
	Preview(ctx context.Context) ([]scheduler.Entry, error)
}

type Store interface {
	ListOccurrences(ctx context.Context, reminderID int64, limit int) ([]*models.Occurrence, error)
	ListMedicineTags(ctx context.Context, medicineID int64) ([]*models.Tag, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Engine  Engine
	Preview Previewer
	Store   Store
	// DB is pinged by /healthz. Nil when running on the memory store.
	DB     Pinger
	Logger zerolog.Logger
}

func NewRouter(opts Options) http.Handler {
	h := &handlers{opts: opts, logger: opts.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/signals/data-changed", h.dataChanged)
		r.Delete("/reminders/{reminderID}", h.deleteReminder)
		r.Get("/reminders/{reminderID}/occurrences", h.listOccurrences)
		r.Post("/occurrences/{occurrenceID}/{action}", h.applyAction)
		r.Get("/schedule", h.schedule)
		r.Get("/medicines/{medicineID}/tags", h.medicineTags)
	})
	return r
}

type handlers struct {
	opts   Options
	logger zerolog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.DB.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) dataChanged(w http.ResponseWriter, r *http.Request) {
	h.opts.Engine.RequestReschedule()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) deleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "reminderID")
	if !ok {
		return
	}
	if err := h.opts.Engine.ReminderDeleted(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeResponse struct {
	Occurrence *models.Occurrence `json:"occurrence"`
	Stale      bool               `json:"stale"`
}

func (h *handlers) applyAction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "occurrenceID")
	if !ok {
		return
	}
	action, ok := models.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		http.Error(w, "action must be taken, skipped or snooze", http.StatusBadRequest)
		return
	}

	out, err := h.opts.Engine.Submit(r.Context(), id, action)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Occurrence: out.Occurrence, Stale: out.Stale})
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	entries, err := h.opts.Preview.Preview(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) listOccurrences(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "reminderID")
	if !ok {
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	occs, err := h.opts.Store.ListOccurrences(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if occs == nil {
		occs = []*models.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occs)
}

func (h *handlers) medicineTags(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "medicineID")
	if !ok {
		return
	}
	tags, err := h.opts.Store.ListMedicineTags(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if tags == nil {
		tags = []*models.Tag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrConflict):
		http.Error(w, "conflict, retry", http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger writes one log line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}
