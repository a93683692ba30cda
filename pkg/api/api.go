// Package api implements the API surface (C10): an HTTP router over
// C2-C9, stateless request handlers, a standard error envelope, and SSE
// streams for live logs and metrics. Grounded on the shape of a
// path-parameterized REST layer built with gorilla/mux, and on the
// teacher's own request-logging idiom (one logrus line per completed
// request) from pkg/log.NewLogger's production formatter.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/detect"
	"github.com/debug-host/hostd/pkg/health"
	"github.com/debug-host/hostd/pkg/lifecycle"
	"github.com/debug-host/hostd/pkg/logs"
	"github.com/debug-host/hostd/pkg/metrics"
	"github.com/debug-host/hostd/pkg/ports"
	"github.com/debug-host/hostd/pkg/projects"
	"github.com/debug-host/hostd/pkg/runtime"
)

// Server wires every component capability into the HTTP surface.
type Server struct {
	log           *logrus.Entry
	startedAt     time.Time
	Projects      *projects.Registry
	Ports         *ports.Registry
	Lifecycle     *lifecycle.Manager
	Logs          *logs.Pipeline
	Metrics       *metrics.Service
	Health        *health.Engine
	Detector      *detect.Detector
	Runtime       *runtime.Adapter
	BatchParallel int
}

// New constructs an API server wired to every backing component.
func New(log *logrus.Entry, p *projects.Registry, pr *ports.Registry, lm *lifecycle.Manager, lg *logs.Pipeline, ms *metrics.Service, he *health.Engine, detector *detect.Detector, rt *runtime.Adapter) *Server {
	return &Server{
		log:       log,
		startedAt: time.Now(),
		Projects:  p,
		Ports:     pr,
		Lifecycle: lm,
		Logs:      lg,
		Metrics:   ms,
		Health:    he,
		Detector:  detector,
		Runtime:   rt,
	}
}

// Router builds the gorilla/mux router for the full endpoint surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/mcp/initialize", s.handleMCPInitialize).Methods(http.MethodPost)
	r.HandleFunc("/mcp/tools/list", s.handleMCPToolsList).Methods(http.MethodPost)
	r.HandleFunc("/mcp/tools/call", s.handleMCPToolsCall).Methods(http.MethodPost)
	r.HandleFunc("/mcp/logs/{projectId}/stream", s.handleLogStream).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/docs", s.handleDocs).Methods(http.MethodGet)

	r.HandleFunc("/api/servers", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/api/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/api/projects", s.handleCreateProject).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}/status", s.handleProjectStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{id}/start", s.handleStartProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{id}/stop", s.handleStopProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{id}/restart", s.handleRestartProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{id}/health", s.handleProjectHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{id}/config", s.handleGetProjectConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{id}/config", s.handlePutProjectConfig).Methods(http.MethodPut)
	r.HandleFunc("/api/projects/{id}/exec", s.handleExecProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/batch", s.handleBatchProjects).Methods(http.MethodPost)

	r.HandleFunc("/api/ports/suggest", s.handlePortsSuggest).Methods(http.MethodGet)
	r.HandleFunc("/api/ports/{port}/check", s.handlePortCheck).Methods(http.MethodGet)

	r.HandleFunc("/api/metrics/containers", s.handleMetricsContainers).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/stats", s.handleMetricsStats).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/{containerId}/stream", s.handleMetricsStream).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/{containerId}/history", s.handleMetricsHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/{containerId}", s.handleMetricsLatest).Methods(http.MethodGet)

	return r
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"requestId": requestIDFrom(r),
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    rec.status,
			"duration":  time.Since(start).String(),
		}).Info("request completed")
	})
}

// errorEnvelope is the standard failure body, per spec.md §6.
type errorEnvelope struct {
	Error struct {
		Code    apperr.Code            `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	env := errorEnvelope{}
	env.Error.Code = code
	env.Error.Message = apperr.MessageOf(err)
	env.Error.Details = apperr.DetailsOf(err)
	writeJSON(w, apperr.HTTPStatus(code), env)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Newf(apperr.Validation, "malformed request body: %v", err)
	}
	return nil
}

func pathParam(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// writeSSE writes one Server-Sent Events frame. Callers must flush.
func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
