// Package proxy is the HTTP edge of the gateway: the OpenAI-compatible
// /v1 surface, the admin /api surface, and the live trace stream.
package proxy

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
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
	"github.com/smartroute-ai/gateway/metrics"
	"github.com/smartroute-ai/gateway/protocol"
	"github.com/smartroute-ai/gateway/router"
	"github.com/smartroute-ai/gateway/telemetry"
	"github.com/smartroute-ai/gateway/trace"
)

// Server wires the HTTP surface to the engine and the stores.
type Server struct {
	cfg    *config.Store
	engine *router.Engine
	health *health.Store
	logs   *telemetry.Store
	bus    *trace.Bus
	logger *zap.Logger

	corsOrigins []string
}

// NewServer builds the edge. logs may be nil, which disables the /api/logs
// listing but keeps everything else working.
func NewServer(cfg *config.Store, engine *router.Engine, hs *health.Store, logs *telemetry.Store, bus *trace.Bus, corsOrigins []string, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		engine:      engine,
		health:      hs,
		logs:        logs,
		bus:         bus,
		logger:      logger,
		corsOrigins: corsOrigins,
	}
}

// Handler assembles the chi router with CORS, auth, and logging middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireGatewayKey)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleModels)

		r.Get("/api/config", s.handleConfigGet)
		r.Post("/api/config", s.handleConfigUpdate)
		r.Get("/api/stats/models", s.handleModelStats)
		r.Get("/api/logs", s.handleLogs)
		r.Get("/api/logs/stream", s.handleLogStream)
	})

	return r
}

// Run serves the handler until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleChatCompletions accepts a chat-completion request, runs the
// failover engine, and returns the single aggregated response. A caller's
// stream=true is accepted but never honoured on the way back out.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		sendError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	resp, _, err := s.engine.Execute(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrNoModels):
			sendError(w, http.StatusInternalServerError, "configuration_error", err.Error())
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
		default:
			sendError(w, http.StatusBadGateway, "upstream_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleModels lists the union of all configured tiers in the OpenAI shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	created := time.Now().Unix()

	models := snap.AllModels()
	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "smart-route",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Snapshot())
}

// handleConfigUpdate validates and applies a whole replacement snapshot.
// Fields absent from the body keep their defaults, matching how the file
// itself is parsed.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	next := config.Default()
	if err := json.NewDecoder(r.Body).Decode(next); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	if err := s.cfg.Update(next); err != nil {
		sendError(w, http.StatusBadRequest, "configuration_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "config": s.cfg.Snapshot()})
}

func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

// handleLogs returns a page of request logs, newest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		sendError(w, http.StatusServiceUnavailable, "api_error", "log store not available")
		return
	}

	q := r.URL.Query()
	filter := telemetry.Filter{
		Level:    q.Get("level"),
		Status:   q.Get("status"),
		Model:    q.Get("model"),
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("page_size"), 20),
	}

	total, records, err := s.logs.List(filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
		"logs":      records,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "smartroute",
		"models":  len(snap.AllModels()),
	})
}

// requireGatewayKey enforces the optional bearer token on the protected
// surfaces. An empty configured key allows everything.
func (s *Server) requireGatewayKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Snapshot().GatewayAPIKey
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || auth == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			sendError(w, http.StatusUnauthorized, "authentication_error", "missing Authorization header")
			return
		}
		if token != key {
			w.Header().Set("WWW-Authenticate", "Bearer")
			sendError(w, http.StatusUnauthorized, "authentication_error", "invalid gateway API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs method, path, status, and elapsed time per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// sendError writes an OpenAI-format error envelope.
func sendError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
