// Package http exposes the usage client over a JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/app"
	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/domain/usage"
)

const defaultFlushTimeout = 10 * time.Second

// Handler serves the ingest and query API.
type Handler struct {
	client  *app.Client
	logger  zerolog.Logger
	metrics http.Handler // /metrics endpoint, optional
}

// NewHandler creates an API handler. metricsHandler may be nil.
func NewHandler(client *app.Client, logger zerolog.Logger, metricsHandler http.Handler) *Handler {
	return &Handler{client: client, logger: logger, metrics: metricsHandler}
}

// Router builds the route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.CreateEvent)
		r.Post("/events/batch", h.CreateEvents)
		r.Post("/flush", h.Flush)
		r.Get("/events", h.ListEvents)
		r.Get("/summary", h.Summary)
		r.Get("/summary/groups", h.SummaryGroups)
		r.Delete("/projects/{project}", h.DeleteProject)
		r.Get("/stats", h.Stats)
	})
	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// CreateEvent buffers one usage event. A missing id or timestamp is filled
// in server-side. Returns 202 on buffering; persistence is asynchronous.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var e usage.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if err := h.client.LogEvent(e); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "buffered"})
}

// CreateEvents buffers a batch of events, admitted whole or not at all.
func (h *Handler) CreateEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []usage.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "events must not be empty")
		return
	}
	if err := h.client.LogEvents(req.Events); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "buffered", "accepted": len(req.Events)})
}

// Flush delivers buffered events within the timeout and reports the count
// persisted. A timeout alone yields a partial count, not an error.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	timeout := defaultFlushTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	n, err := h.client.Flush(ctx)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"persisted": n})
}

// ListEvents returns raw events matching the query, newest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	events, next, err := h.client.Query(r.Context(), f)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if events == nil {
		events = []usage.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_cursor": next})
}

type bucketResponse struct {
	Start   time.Time                `json:"start"`
	End     time.Time                `json:"end"`
	Metrics map[usage.Metric]float64 `json:"metrics"`
}

// Summary returns one aggregate bucket per UTC day in the query range.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	metrics, err := metricsFromQuery(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	buckets, err := h.client.SummaryByDay(r.Context(), f, metrics)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	out := make([]bucketResponse, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, bucketResponse{Start: b.Start, End: b.End, Metrics: b.Metrics})
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": out})
}

// SummaryGroups returns totals grouped by project or request type.
func (h *Handler) SummaryGroups(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	metrics, err := metricsFromQuery(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	by := usage.GroupBy(r.URL.Query().Get("group_by"))
	if by == "" {
		by = usage.GroupByProject
	}

	totals, err := h.client.GroupTotals(r.Context(), f, by, metrics)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if totals == nil {
		totals = []usage.GroupTotal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": totals})
}

// DeleteProject removes a project's data in the query range. With
// simulate=true it reports counts without mutating storage.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := usage.DeleteOptions{
		Project:           chi.URLParam(r, "project"),
		IncludeAggregates: q.Get("include_aggregates") == "true",
		Simulate:          q.Get("simulate") == "true",
	}
	var err error
	if opts.From, err = timeFromQuery(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
		return
	}
	if opts.To, err = timeFromQuery(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
		return
	}

	res, err := h.client.DeleteProject(r.Context(), opts)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events_deleted":     res.EventsDeleted,
		"aggregates_deleted": res.AggregatesDeleted,
		"simulated":          opts.Simulate,
	})
}

// Stats reports pipeline state: queue depth, drop count, breaker state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.client.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth":   stats.QueueDepth,
		"dropped":       stats.Dropped,
		"breaker_state": stats.BreakerState.String(),
	})
}

// Health probes the backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.client.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var verr *usage.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Error())
	case errors.Is(err, app.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, "buffer_full", "Event buffer at capacity, retry later")
	case errors.Is(err, breaker.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "Storage backend is unavailable")
	case errors.Is(err, app.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "Service is shutting down")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func filterFromQuery(r *http.Request) (usage.Filter, error) {
	q := r.URL.Query()
	f := usage.Filter{
		Project:     q.Get("project"),
		RequestType: q.Get("request_type"),
		Cursor:      q.Get("cursor"),
	}
	var err error
	if f.From, err = timeFromQuery(q.Get("from")); err != nil {
		return usage.Filter{}, &usage.ValidationError{Field: "from", Reason: "must be RFC3339"}
	}
	if f.To, err = timeFromQuery(q.Get("to")); err != nil {
		return usage.Filter{}, &usage.ValidationError{Field: "to", Reason: "must be RFC3339"}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return usage.Filter{}, &usage.ValidationError{Field: "limit", Reason: "must be positive"}
		}
		f.Limit = n
	}
	return f, nil
}

func timeFromQuery(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func metricsFromQuery(r *http.Request) ([]usage.Metric, error) {
	raw := r.URL.Query().Get("metrics")
	if raw == "" {
		return nil, nil
	}
	var metrics []usage.Metric
	for _, part := range strings.Split(raw, ",") {
		m := usage.Metric(strings.TrimSpace(part))
		if !usage.ValidMetric(m) {
			return nil, &usage.ValidationError{Field: "metrics", Reason: "unknown metric " + string(m)}
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
