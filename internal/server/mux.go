// Package server exposes the pipeline's operational HTTP surface: health and
// readiness probes, Prometheus metrics and a read-only view of the status
// journal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/journal"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/telemetry"
)

// ContextKey is used for request-scoped context values.
type ContextKey string

const ContextKeyCorrelationID ContextKey = "correlationId"

const readyTimeout = 5 * time.Second

// Options configures the mux. Every field is optional.
type Options struct {
	Journal journal.Journal                 // Enables /v1/journal
	Ready   func(ctx context.Context) error // Readiness check, nil is always ready
	Logger  *slog.Logger
}

// Mux serves the operational endpoints.
type Mux struct {
	mux     *http.ServeMux
	journal journal.Journal
	ready   func(ctx context.Context) error
	log     *slog.Logger
}

// NewMux builds the handler.
func NewMux(opts Options) http.Handler {
	m := &Mux{
		mux:     http.NewServeMux(),
		journal: opts.Journal,
		ready:   opts.Ready,
		log:     opts.Logger,
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	m.mux.HandleFunc("/healthz", m.method(http.MethodGet, m.handleHealthz))
	m.mux.HandleFunc("/readyz", m.method(http.MethodGet, m.handleReadyz))
	m.mux.Handle("/metrics", promhttp.Handler())
	if m.journal != nil {
		m.mux.HandleFunc("/v1/journal", m.method(http.MethodGet, m.withMiddleware(m.handleJournal)))
	}
	return m.mux
}

func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			m.writeError(w, http.StatusMethodNotAllowed, "AB_METHOD_NOT_ALLOWED", "method not allowed", r.Header.Get("X-Correlation-Id"))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware assigns a correlation id and logs the request.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		m.logRequest(r, rec.status, time.Since(start), correlationID)
	}
}

func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.log.LogAttrs(r.Context(), level, "request completed", attrs...)
}

func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if m.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := m.ready(ctx); err != nil {
			m.log.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleJournal(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("audiobook-server").Start(r.Context(), "handleJournal")
	defer span.End()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	q := r.URL.Query()
	bookID := q.Get("bookId")
	if bookID == "" {
		span.SetStatus(codes.Error, "bookId is required")
		m.writeErrorDef(w, errordefs.New(errordefs.AB_CONFIGURATION, "bookId is required"), correlationID)
		return
	}
	query := journal.Query{
		BookID:    bookID,
		ElementID: q.Get("elementId"),
		Cursor:    q.Get("cursor"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.AB_CONFIGURATION, "limit must be an integer", map[string]string{"limit": s}), correlationID)
			return
		}
		query.Limit = n
	}
	span.SetAttributes(
		attribute.String("book.id", query.BookID),
		attribute.String("element.id", query.ElementID),
	)

	page, err := m.journal.Entries(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, journal.ErrInvalidCursor) {
			m.writeErrorDef(w, errordefs.Wrap(errordefs.AB_CONFIGURATION, "invalid cursor", err), correlationID)
			return
		}
		m.writeErrorDef(w, errordefs.Wrap(errordefs.AB_INTERNAL, "failed to list journal entries", err), correlationID)
		return
	}
	if page.Entries == nil {
		page.Entries = []journal.Entry{}
	}
	m.writeSuccess(w, http.StatusOK, page)
}

func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}

func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error, correlationID string) {
	m.writeError(w, httpStatus(err.Code), string(err.Code), err.Message, correlationID)
}

// httpStatus maps an error code onto a response status.
func httpStatus(code errordefs.ErrorCode) int {
	if code == errordefs.AB_CONFIGURATION {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
