package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const readinessTimeout = 5 * time.Second

// HTTPServer exposes liveness and readiness of the host. Document traffic
// travels over the bus, never through here.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger.With("component", "http"),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.health)
	s.mux.HandleFunc("GET /api/ready", s.ready)
	s.mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Route not found"})
	})
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.mux)
}

type checkStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	OK        bool                   `json:"ok"`
	Status    string                 `json:"status"`
	Actor     string                 `json:"actor"`
	Checks    map[string]checkStatus `json:"checks"`
	Documents int                    `json:"documents"`
}

func (s *HTTPServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := readiness{
		OK:        true,
		Status:    "ready",
		Actor:     string(s.service.Actor()),
		Checks:    map[string]checkStatus{},
		Documents: len(s.service.Documents()),
	}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			resp.OK = false
			resp.Status = "not_ready"
			resp.Checks[name] = checkStatus{Status: "error", Error: err.Error()}
			continue
		}
		resp.Checks[name] = checkStatus{Status: "ok"}
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
		s.logger.Warn("readiness check failed", "checks", resp.Checks)
	}
	writeJSON(w, code, resp)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(rec.Header(), s.corsOrigin)
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err *DomainError) {
	writeJSON(w, err.Status, err)
}
