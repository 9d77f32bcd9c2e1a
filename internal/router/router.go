package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/mnemo-gateway/internal/gateway"
	"github.com/connexus-ai/mnemo-gateway/internal/handler"
	"github.com/connexus-ai/mnemo-gateway/internal/middleware"
	"github.com/connexus-ai/mnemo-gateway/internal/proxy"
	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB                 handler.DBPinger
	FrontendURL        string
	Version            string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	InternalAuthSecret string

	// Admin migrations
	AdminMigrateDeps handler.AdminMigrateDeps

	// Rate limiter for the chat-completions endpoint (nil = no rate limiting)
	ChatRateLimiter *middleware.RateLimiter

	// Gateway Context Builder — JSON-RPC 2.0 gateway_ctx tool endpoint
	GatewayEngine *gateway.Engine

	// Proxy Orchestrator — OpenAI-compatible chat-completions endpoint
	Orchestrator *proxy.Orchestrator

	// Summarization Engine store, backing /chat and /sessions/{id}/...
	SummaryStore summary.Store
}

// internalAuthOnly wraps a handler with a simple internal auth check.
// Used for admin endpoints called by Cloud Build (no user context).
func internalAuthOnly(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Internal-Auth")
		if secret == "" || token != secret {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	}
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Admin routes (internal auth only — called by Cloud Build)
	r.Post("/api/admin/migrate", internalAuthOnly(deps.InternalAuthSecret,
		handler.AdminMigrate(deps.AdminMigrateDeps)))

	// Gateway Context Builder — MCP/JSON-RPC tool endpoint. No session auth:
	// managing authentication beyond bearer-token pass-through is out of
	// scope, so the caller's own credentials travel straight to upstream.
	if deps.GatewayEngine != nil {
		gatewayCtx := handler.GatewayCtx(deps.GatewayEngine)
		r.Get("/gateway_ctx", gatewayCtx)
		r.Options("/gateway_ctx", gatewayCtx)
		r.Post("/gateway_ctx", gatewayCtx)
	}

	// Proxy Orchestrator — OpenAI-compatible chat-completions endpoint.
	// SSE-capable: no write timeout. Rate limited per caller (falls back to
	// remote address since no auth middleware establishes a user identity).
	if deps.Orchestrator != nil {
		chatCompletions := deps.Orchestrator.ChatCompletions()
		if deps.ChatRateLimiter != nil {
			r.With(middleware.RateLimit(deps.ChatRateLimiter)).Post("/v1/chat/completions", chatCompletions)
		} else {
			r.Post("/v1/chat/completions", chatCompletions)
		}
	}

	// Summarization Engine surface: direct turn append + session summaries.
	if deps.SummaryStore != nil {
		r.Post("/chat", handler.AppendChat(deps.SummaryStore))
		r.Get("/sessions/{id}/summaries", handler.SessionSummaries(deps.SummaryStore))
		r.Get("/sessions/{id}/summaries/debug", handler.SessionSummariesDebug(deps.SummaryStore))
		r.Post("/sessions/{id}/proactive/enable", handler.ProactiveEnable(deps.SummaryStore))
	}

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
