package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/requestctx"
	"github.com/onnwee/audittrail/internal/trail"
)

// TrailService is the query surface the handlers serve. *trail.Service
// satisfies it.
type TrailService interface {
	GetEntityHistory(ctx context.Context, v trail.Viewer, entityType, entityID string, limit int) ([]audit.Event, error)
	GetActorActivity(ctx context.Context, v trail.Viewer, actorID string, from, to time.Time, limit int) ([]audit.Event, error)
	Search(ctx context.Context, v trail.Viewer, f audit.Filter, page, pageSize int) (*trail.SearchResult, error)
	Export(ctx context.Context, v trail.Viewer, f audit.Filter, opts trail.ExportOptions, w io.Writer) (int, error)
}

// TrailHandlers serves the read-only audit trail endpoints.
type TrailHandlers struct {
	svc    TrailService
	logger *slog.Logger
	now    func() time.Time
}

// NewTrailHandlers creates the trail handlers.
func NewTrailHandlers(svc TrailService, logger *slog.Logger) *TrailHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrailHandlers{svc: svc, logger: logger, now: time.Now}
}

// EventsResponse wraps an unpaged event list.
type EventsResponse struct {
	Events []audit.Event `json:"events"`
}

// EntityHistory handles GET /v1/audit/entities/{entityType}/{entityID}/history.
func (h *TrailHandlers) EntityHistory(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	q := queryParams{values: r.URL.Query()}
	limit := q.integer("limit")
	if q.err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, q.err.Error())
		return
	}

	events, err := h.svc.GetEntityHistory(r.Context(), viewer,
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, EventsResponse{Events: nonNil(events)})
}

// ActorActivity handles GET /v1/audit/actors/{actorID}/activity.
func (h *TrailHandlers) ActorActivity(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	q := queryParams{values: r.URL.Query()}
	from := q.time("from")
	to := q.time("to")
	limit := q.integer("limit")
	if q.err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, q.err.Error())
		return
	}

	events, err := h.svc.GetActorActivity(r.Context(), viewer, chi.URLParam(r, "actorID"), from, to, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, EventsResponse{Events: nonNil(events)})
}

// SearchEvents handles GET /v1/audit/events.
func (h *TrailHandlers) SearchEvents(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	q := queryParams{values: r.URL.Query()}
	f := q.filter()
	page := q.integer("page")
	pageSize := q.integer("page_size")
	if q.err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, q.err.Error())
		return
	}
	if page == 0 {
		page = 1
	}

	res, err := h.svc.Search(r.Context(), viewer, f, page, pageSize)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Export handles GET /v1/audit/export. Rows stream as they are read; the
// response status is committed with the first byte, so a failure after that
// point truncates the body and is only visible in the server log.
func (h *TrailHandlers) Export(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}
	q := queryParams{values: r.URL.Query()}
	f := q.filter()
	gz := q.flag("gzip")
	if q.err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, q.err.Error())
		return
	}
	format, err := trail.ParseExportFormat(q.get("format"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	filename := fmt.Sprintf("audit-export-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	contentType := format.ContentType()
	if gz {
		filename += ".gz"
		contentType = "application/gzip"
	}
	out := &deferredHeaderWriter{
		w: w,
		header: func(hdr http.Header) {
			hdr.Set("Content-Type", contentType)
			hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			hdr.Set("Cache-Control", "no-store")
		},
	}

	rows, err := h.svc.Export(r.Context(), viewer, f, trail.ExportOptions{Format: format, Gzip: gz}, out)
	if err != nil {
		if !out.started {
			writeServiceError(w, r, h.logger, err)
			return
		}
		middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		h.logger.ErrorContext(r.Context(), "export aborted mid-stream",
			slog.Int("rows", rows),
			slog.String("error", err.Error()),
		)
		return
	}
	if !out.started {
		out.commit()
	}
}

// viewer resolves who is asking. The trail is never served anonymously.
func (h *TrailHandlers) viewer(w http.ResponseWriter, r *http.Request) (trail.Viewer, bool) {
	role := middleware.RoleFromContext(r.Context())
	rc := requestctx.Current(r.Context())
	if role == "" || rc.ActorID == requestctx.ActorAnonymous || rc.ActorID == requestctx.ActorSystem {
		w.Header().Set("WWW-Authenticate", "Bearer")
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "A viewer token is required")
		return trail.Viewer{}, false
	}
	return trail.Viewer{Role: role, ActorID: rc.ActorID}, true
}

// deferredHeaderWriter sets the download headers on the first write so an
// export refused before any output can still answer with a JSON error.
type deferredHeaderWriter struct {
	w       http.ResponseWriter
	header  func(http.Header)
	started bool
}

func (d *deferredHeaderWriter) commit() {
	if d.started {
		return
	}
	d.started = true
	d.header(d.w.Header())
	d.w.WriteHeader(http.StatusOK)
}

func (d *deferredHeaderWriter) Write(p []byte) (int, error) {
	d.commit()
	return d.w.Write(p)
}

// queryParams parses query values, keeping the first error.
type queryParams struct {
	values map[string][]string
	err    error
}

func (q *queryParams) get(key string) string {
	if v := q.values[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// list returns every value of key, splitting comma-separated entries.
func (q *queryParams) list(key string) []string {
	var out []string
	for _, raw := range q.values[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (q *queryParams) integer(key string) int {
	raw := q.get(key)
	if raw == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		q.err = fmt.Errorf("%s must be a non-negative integer", key)
		return 0
	}
	return n
}

func (q *queryParams) time(key string) time.Time {
	raw := q.get(key)
	if raw == "" || q.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		q.err = fmt.Errorf("%s must be an RFC 3339 timestamp", key)
		return time.Time{}
	}
	return t
}

func (q *queryParams) flag(key string) bool {
	raw := q.get(key)
	if raw == "" || q.err != nil {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		q.err = fmt.Errorf("%s must be true or false", key)
		return false
	}
	return b
}

// filter builds the search filter shared by /events and /export.
func (q *queryParams) filter() audit.Filter {
	f := audit.Filter{
		EntityID: q.get("entity_id"),
		ActorID:  q.get("actor_id"),
		From:     q.time("from"),
		To:       q.time("to"),
	}
	switch types := q.list("entity_type"); len(types) {
	case 0:
	case 1:
		f.EntityType = types[0]
	default:
		f.EntityTypes = types
	}
	for _, a := range q.list("action") {
		f.Actions = append(f.Actions, audit.Action(strings.ToUpper(a)))
	}
	f.IncludeArchive = q.flag("include_archive")
	return f
}

func nonNil(events []audit.Event) []audit.Event {
	if events == nil {
		return []audit.Event{}
	}
	return events
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
