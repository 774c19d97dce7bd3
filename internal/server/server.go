// Package server exposes the engine over HTTP: event emission and listing,
// approval resolution, dashboard reads, an SSE live stream, a WebSocket
// feed, provider webhook ingestion, and gateway config CRUD.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/semibot/semibot/internal/config"
	"github.com/semibot/semibot/internal/engine"
	"github.com/semibot/semibot/internal/gateway"
	"github.com/semibot/semibot/internal/store"
)

// Options carries the collaborators New wires together.
type Options struct {
	Config   config.ServerConfig
	Engine   *engine.EventEngine
	Gateways *gateway.Manager
	Store    store.GatewayStore
	Logger   *slog.Logger
}

// Server is the HTTP surface over one engine instance.
type Server struct {
	cfg        config.ServerConfig
	engine     *engine.EventEngine
	gateways   *gateway.Manager
	store      store.GatewayStore
	hub        *EventHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server and registers its routes. The engine's observer list
// gains one entry feeding the WebSocket hub.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      opts.Config,
		engine:   opts.Engine,
		gateways: opts.Gateways,
		store:    opts.Store,
		hub:      NewEventHub(logger, opts.Config.CORS),
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "server.Server"),
	}
	s.registerRoutes()
	if s.engine != nil {
		s.engine.AddObserver(s.hub.ObserveEmit)
	}
	return s
}

func (s *Server) registerRoutes() {
	// Events
	s.mux.HandleFunc("POST /v1/events", s.auth(s.handleEmitEvent))
	s.mux.HandleFunc("GET /v1/events", s.auth(s.handleListEvents))
	s.mux.HandleFunc("GET /v1/events/{id}", s.auth(s.handleGetEvent))
	s.mux.HandleFunc("POST /v1/events/{id}/replay", s.auth(s.handleReplayEvent))
	s.mux.HandleFunc("POST /v1/events/replay-by-type", s.auth(s.handleReplayByType))
	s.mux.HandleFunc("POST /v1/webhooks/{event_type}", s.auth(s.handleWebhookEmit))

	// Approvals
	s.mux.HandleFunc("GET /v1/approvals", s.auth(s.handleListApprovals))
	s.mux.HandleFunc("POST /v1/approvals/{id}/resolve", s.auth(s.handleResolveApproval))

	// Dashboard
	s.mux.HandleFunc("GET /v1/dashboard/events", s.auth(s.handleDashboardEvents))
	s.mux.HandleFunc("GET /v1/dashboard/rule-runs", s.auth(s.handleRuleRuns))
	s.mux.HandleFunc("GET /v1/dashboard/summary", s.auth(s.handleSummary))
	s.mux.HandleFunc("GET /v1/dashboard/live", s.auth(s.handleLive))
	s.mux.HandleFunc("GET /v1/dashboard/ws", s.auth(s.hub.HandleWebSocket))
	s.mux.HandleFunc("GET /v1/metrics/events", s.auth(s.handleMetrics))

	// Provider webhooks carry their own secret/token verification and are
	// exempt from bearer auth: Telegram and Feishu cannot set our header.
	s.mux.HandleFunc("POST /v1/integrations/telegram/webhook", s.handleTelegramWebhook)
	s.mux.HandleFunc("POST /v1/integrations/feishu/events", s.handleFeishuEvents)
	s.mux.HandleFunc("POST /v1/integrations/feishu/card-actions", s.handleFeishuCardActions)
	s.mux.HandleFunc("POST /v1/integrations/{provider}/outbound/test", s.auth(s.handleOutboundTest))

	// Gateway config + conversations
	s.mux.HandleFunc("GET /v1/config/gateways", s.auth(s.handleListGatewayConfigs))
	s.mux.HandleFunc("GET /v1/config/gateways/{provider}", s.auth(s.handleGetGatewayConfig))
	s.mux.HandleFunc("PUT /v1/config/gateways/{provider}", s.auth(s.handlePutGatewayConfig))
	s.mux.HandleFunc("GET /v1/gateway/conversations", s.auth(s.handleListConversations))
	s.mux.HandleFunc("GET /v1/gateway/conversations/{id}/runs", s.auth(s.handleConversationRuns))
	s.mux.HandleFunc("GET /v1/gateway/conversations/{id}/context", s.auth(s.handleConversationContext))

	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
}

// auth enforces the static bearer token when one is configured. An empty
// api_token leaves the API open.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.APIToken {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.cfg.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves HTTP on addr until Shutdown. WriteTimeout stays zero so the
// SSE and WebSocket endpoints can outlive a fixed window.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server and disconnects live clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- error shape ---

// Error codes in the standard response envelope.
const (
	codeValidation   = "validation_error"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeInternal     = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeMappedError translates sentinel errors onto the standard envelope.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, gateway.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
	case errors.Is(err, gateway.ErrUnknownProvider), errors.Is(err, gateway.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func queryTime(r *http.Request, key string) *time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
