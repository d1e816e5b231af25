// Package api exposes the reasoning engine over HTTP: question
// submission, usage summaries, the tool catalog, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dataquill/quill-agent/internal/agent"
	"github.com/dataquill/quill-agent/internal/buildinfo"
	"github.com/dataquill/quill-agent/internal/llm"
	"github.com/dataquill/quill-agent/internal/tools"
	"github.com/dataquill/quill-agent/internal/usage"
)

// Config holds the HTTP server settings.
type Config struct {
	Listen         string
	RequestTimeout time.Duration // per-request deadline for /v1/ask
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg      Config
	engine   *agent.Engine
	usage    *usage.Store
	registry *tools.Registry
	llm      llm.Client
	logger   *slog.Logger
	http     *http.Server
}

// NewServer wires the routes and returns a server ready to Start.
func NewServer(cfg Config, engine *agent.Engine, usageStore *usage.Store, registry *tools.Registry, client llm.Client, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		usage:    usageStore,
		registry: registry,
		llm:      client,
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.withLogging(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type askRequest struct {
	Question    string   `json:"question"`
	SessionID   string   `json:"session_id,omitempty"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
	Model       string   `json:"model,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result := s.engine.Process(ctx, agent.Request{
		Question:    req.Question,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Permissions: req.Permissions,
		Model:       req.Model,
	})

	writeJSON(w, statusFor(result), result)
}

// statusFor maps a terminal result onto an HTTP status. Loop outcomes
// the caller can read from the body (max_iterations, tool_error) stay
// 200; infrastructure failures do not.
func statusFor(res *agent.Result) int {
	if res.Success || res.Err == nil {
		return http.StatusOK
	}
	switch res.Err.Type {
	case agent.ErrRateLimit:
		return http.StatusTooManyRequests
	case agent.ErrAuthorization:
		return http.StatusForbidden
	case agent.ErrModelError:
		return http.StatusBadGateway
	case agent.ErrMaxIterations, agent.ErrToolError:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration, e.g. 24h")
			return
		}
		since = d
	}

	// Timestamps are stored at second granularity and the window end is
	// exclusive; pad it so records written this second are included.
	end := time.Now().UTC().Add(time.Second)
	start := end.Add(-since)

	resp := map[string]any{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}

	switch group := r.URL.Query().Get("group"); group {
	case "":
		sum, err := s.usage.Summary(r.Context(), start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["summary"] = summaryJSON(sum)
	case "model", "user":
		var groups map[string]*usage.Summary
		var err error
		if group == "model" {
			groups, err = s.usage.SummaryByModel(r.Context(), start, end)
		} else {
			groups, err = s.usage.SummaryByUser(r.Context(), start, end)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make(map[string]any, len(groups))
		for k, v := range groups {
			out[k] = summaryJSON(v)
		}
		resp["groups"] = out
	default:
		writeError(w, http.StatusBadRequest, "group must be model or user")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func summaryJSON(s *usage.Summary) map[string]any {
	return map[string]any{
		"records":       s.TotalRecords,
		"input_tokens":  s.TotalInputTokens,
		"output_tokens": s.TotalOutputTokens,
		"cost_usd":      s.TotalCostUSD,
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.registry.Len(),
		"tools": s.registry.Describe(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"build":  buildinfo.Info(),
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}

	// A deep check also pings the model provider.
	if r.URL.Query().Get("deep") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.llm.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["llm_error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).Round(time.Millisecond).String(),
			"remote", r.RemoteAddr,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
