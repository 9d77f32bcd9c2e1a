package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string
	DatabaseURL string

	// Dify / Anchor RAG client (C3)
	DifyBaseURL         string
	DifyAPIKey          string
	DifyWorkflowRunURL  string
	DifyWorkflowIDAnchor string
	DifyTimeoutSecs     float64

	// Gateway Context Builder (C5)
	MCPProtocolVersionDefault string
	AnchorSnipMax             int
	GatewayCtxDebug           bool
	RetrievalTopN             int
	RetrievalProfileVersion   string
	GatewayCtxCacheTTLSecs    float64
	GatewayCtxCacheMax        int
	GarbledKWRepairEnabled    bool

	// Proxy Orchestrator (C6)
	UpstreamBaseURL             string
	UpstreamAPIKey              string
	OpenRouterHTTPReferer       string
	OpenRouterXTitle            string
	ForceGatewayEveryTurn       bool
	AnchorInjectEnabled         bool
	WriterModeDefault           string
	ToolEmptyContentCompat      bool
	ToolEmptyContentPlaceholder string
	LocalMCPGatewayURL          string
	LocalMCPTimeoutSecs         float64
	OpenAIProxyDebugEcho        bool
	GatewayCtxUser              string
	MemoryIDDefault             string
	AgentIDDefault              string

	// Summarization Engine (C7)
	S4EveryUserTurns   int
	S60EveryUserTurns  int
	S4WindowUserTurns  int
	S60WindowUserTurns int
	SummaryVersion     int
	SummarizerModel    string

	InternalAuthSecret string
	FrontendURL        string
}

// Load reads configuration from environment variables. DATABASE_URL is
// required, and INTERNAL_AUTH_SECRET is required whenever ENVIRONMENT is
// not "development"; everything else falls back to the defaults the
// upstream gateway has always shipped with.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),
		DatabaseURL: dbURL,

		DifyBaseURL:          envStr("DIFY_BASE_URL", "https://api.dify.ai"),
		DifyAPIKey:           firstNonEmpty(os.Getenv("DIFY_API_KEY"), os.Getenv("DIFY_WORKFLOW_API_KEY")),
		DifyWorkflowRunURL:   envStr("DIFY_WORKFLOW_RUN_URL", "https://api.dify.ai/v1/workflows/run"),
		DifyWorkflowIDAnchor: envStr("DIFY_WORKFLOW_ID_ANCHOR", ""),
		DifyTimeoutSecs:      envFloat("DIFY_TIMEOUT_SECS", 30),

		MCPProtocolVersionDefault: envStr("MCP_PROTOCOL_VERSION", "2025-06-18"),
		AnchorSnipMax:             envInt("ANCHOR_SNIP_MAX", 400),
		GatewayCtxDebug:           envBool("GATEWAY_CTX_DEBUG", false),
		RetrievalTopN:             envInt("RETRIEVAL_TOP_N", 3),
		RetrievalProfileVersion:   envStr("RETRIEVAL_PROFILE_VERSION", "v1.0.0"),
		GatewayCtxCacheTTLSecs:    envFloat("GATEWAY_CTX_CACHE_TTL", 20),
		GatewayCtxCacheMax:        envInt("GATEWAY_CTX_CACHE_MAX", 256),
		GarbledKWRepairEnabled:    envBool("GARBLED_KW_REPAIR_ENABLED", true),

		UpstreamBaseURL:             envStr("UPSTREAM_BASE_URL", "https://openrouter.ai/api/v1"),
		UpstreamAPIKey:              envStr("UPSTREAM_API_KEY", ""),
		OpenRouterHTTPReferer:       envStr("OPENROUTER_HTTP_REFERER", ""),
		OpenRouterXTitle:            envStr("OPENROUTER_X_TITLE", ""),
		ForceGatewayEveryTurn:       envBool("FORCE_GATEWAY_EVERY_TURN", true),
		AnchorInjectEnabled:         envBool("ANCHOR_INJECT_ENABLED", true),
		WriterModeDefault:           strings.ToLower(envStr("WRITER_MODE", "normal")),
		ToolEmptyContentCompat:      envBool("TOOL_EMPTY_CONTENT_COMPAT", true),
		ToolEmptyContentPlaceholder: envStr("TOOL_EMPTY_CONTENT_PLACEHOLDER", "（正在调用工具…）"),
		LocalMCPGatewayURL:          envStr("LOCAL_MCP_GATEWAY_URL", "http://127.0.0.1:8080/gateway_ctx"),
		LocalMCPTimeoutSecs:         envFloat("LOCAL_MCP_TIMEOUT", 20),
		OpenAIProxyDebugEcho:        envBool("OPENAI_PROXY_DEBUG_ECHO", false),
		GatewayCtxUser:              envStr("GATEWAY_CTX_USER", "rikkahub"),
		MemoryIDDefault:             envStr("MEMORY_ID_DEFAULT", ""),
		AgentIDDefault:              envStr("AGENT_ID_DEFAULT", ""),

		S4EveryUserTurns:   envInt("S4_EVERY_USER_TURNS", 4),
		S60EveryUserTurns:  envInt("S60_EVERY_USER_TURNS", 30),
		S4WindowUserTurns:  envInt("S4_WINDOW_USER_TURNS", 4),
		S60WindowUserTurns: envInt("S60_WINDOW_USER_TURNS", 30),
		SummaryVersion:     envInt("SUMMARY_VERSION", 1),
		SummarizerModel:    envStr("SUMMARIZER_MODEL", "openai/gpt-4o-mini"),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
