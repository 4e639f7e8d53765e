// Package server exposes the HTTP evaluate surface: flag CRUD, single/batch
// evaluation, and the Server-Sent Events change feed. Bearer authentication
// and rate limiting live in internal/middleware and wrap the handler this
// package builds; admin-operation authorization remains out of scope
// (spec.md §1).
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/core"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/store"
)

const defaultStreamPollInterval = time.Second

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer wires Service to net/http, instrumenting every route with the
// ambient Prometheus metrics.
type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// Options configures NewHTTPHandler.
type Options struct {
	StreamPollInterval time.Duration
	MaxJSONBodyBytes   int64
	Metrics            *metrics.Metrics
}

type evaluateJSONRequest struct {
	Name     string             `json:"name,omitempty"`
	Context  core.Context       `json:"context,omitempty"`
	Requests []EvaluateRequest  `json:"requests,omitempty"`
}

type evaluateJSONResponse struct {
	Results []EvaluateResult `json:"results"`
}

// NewHTTPHandler builds the evaluate surface's http.Handler.
func NewHTTPHandler(svc Service, opts Options) http.Handler {
	if svc == nil {
		panic("service is nil")
	}
	if opts.StreamPollInterval <= 0 {
		opts.StreamPollInterval = defaultStreamPollInterval
	}
	if opts.MaxJSONBodyBytes <= 0 {
		opts.MaxJSONBodyBytes = 1 << 20
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &HTTPServer{
		service:            svc,
		metrics:            opts.Metrics,
		streamPollInterval: opts.StreamPollInterval,
		maxJSONBodyBytes:   opts.MaxJSONBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", s.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", s.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", s.handleGetFlag)
	mux.HandleFunc("DELETE /v1/flags/{name}", s.handleDeleteFlag)
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	return s.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		status := strconv.Itoa(rec.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req RegisterFlagRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateFlag(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	flag, err := s.service.GetFlag(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.service.DeleteFlag(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var requests []EvaluateRequest
	switch {
	case len(req.Requests) > 0 && strings.TrimSpace(req.Name) != "":
		writeJSONError(w, http.StatusBadRequest, "use either name or requests")
		return
	case len(req.Requests) > 0:
		for idx, item := range req.Requests {
			if strings.TrimSpace(item.Name) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].name is required", idx))
				return
			}
		}
		requests = req.Requests
	case strings.TrimSpace(req.Name) != "":
		requests = []EvaluateRequest{{Name: req.Name, Context: req.Context}}
	default:
		writeJSONError(w, http.StatusBadRequest, "name or requests is required")
		return
	}

	results := s.service.EvaluateBatch(r.Context(), requests)
	for _, result := range results {
		s.metrics.RecordEvaluation(result.Enabled)
	}
	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []store.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			payload := []byte(event.Payload)
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}
			if err := writeSSEEvent(w, event.EventID, event.EventType, payload); err != nil {
				return err
			}
			flusher.Flush()
		}
		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}
	return eventID, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidFeatureType), errors.Is(err, core.ErrInvalidFeatureValue),
		errors.Is(err, core.ErrInvalidTargeting), errors.Is(err, core.ErrNoVariants):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	default:
		var notFound *store.FeatureNotFoundError
		if errors.As(err, &notFound) {
			writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
			return
		}
		if errors.Is(err, context.Canceled) {
			writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var notFound *store.FeatureNotFoundError
	if errors.As(err, &notFound) {
		return "flag not found"
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return err.Error()
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}
	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}
	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}
	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
