package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

func TestGenerateThreadIDFormat(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)
	id := GenerateThreadID(now)
	if !strings.HasPrefix(id, "rk:th:202607311030:") {
		t.Fatalf("unexpected thread id: %s", id)
	}
	parts := strings.Split(id, ":")
	if len(parts) != 4 || len(parts[3]) != 12 {
		t.Fatalf("unexpected thread id shape: %s", id)
	}
}

func TestResolveIdentityPrefersHeaderOverMetadata(t *testing.T) {
	cfg := &config.Config{MemoryIDDefault: "mem-default", AgentIDDefault: "agent-default"}
	req := newRequest(t, map[string]string{"X-Thread-Id": "th-header", "X-Memory-Id": "mem-header"})
	metadata := map[string]any{"thread_id": "th-metadata", "memory_id": "mem-metadata", "agent_id": "agent-meta"}

	id := ResolveIdentity(req, metadata, cfg, time.Now())
	if id.ThreadID != "th-header" {
		t.Errorf("thread id = %q, want th-header", id.ThreadID)
	}
	if id.MemoryID != "mem-header" {
		t.Errorf("memory id = %q, want mem-header", id.MemoryID)
	}
	if id.AgentID != "agent-meta" {
		t.Errorf("agent id = %q, want agent-meta", id.AgentID)
	}
	if id.S4Scope != "thread" {
		t.Errorf("s4 scope = %q, want thread", id.S4Scope)
	}
}

func TestResolveIdentityGeneratesThreadIDWhenAbsent(t *testing.T) {
	cfg := &config.Config{}
	req := newRequest(t, nil)
	id := ResolveIdentity(req, nil, cfg, time.Now())
	if !strings.HasPrefix(id.ThreadID, "rk:th:") {
		t.Errorf("expected generated thread id, got %q", id.ThreadID)
	}
	if id.MemoryID != id.ThreadID {
		t.Errorf("expected memory id to fall back to thread id, got %q", id.MemoryID)
	}
}

func TestLastUserText(t *testing.T) {
	messages := []map[string]any{
		{"role": "system", "content": "be nice"},
		{"role": "user", "content": "first"},
		{"role": "assistant", "content": "reply"},
		{"role": "user", "content": "second"},
	}
	if got := LastUserText(messages); got != "second" {
		t.Errorf("LastUserText = %q, want second", got)
	}
}

func TestSanitizeMessagesForUpstream_KeepsMatchedToolReply(t *testing.T) {
	messages := []map[string]any{
		{"role": "user", "content": "what's the weather"},
		{"role": "assistant", "content": "", "tool_calls": []any{
			map[string]any{"id": "call_1", "type": "function"},
		}},
		{"role": "tool", "tool_call_id": "call_1", "content": "sunny"},
		{"role": "assistant", "content": "it's sunny"},
	}
	out := SanitizeMessagesForUpstream(messages)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(out), out)
	}
}

func TestSanitizeMessagesForUpstream_StripsOrphanedToolReply(t *testing.T) {
	messages := []map[string]any{
		{"role": "user", "content": "hi"},
		{"role": "tool", "tool_call_id": "call_unknown", "content": "orphan"},
		{"role": "assistant", "content": "hello"},
	}
	out := SanitizeMessagesForUpstream(messages)
	if len(out) != 2 {
		t.Fatalf("expected orphaned tool reply dropped, got %d: %+v", len(out), out)
	}
}

func TestSanitizeMessagesForUpstream_StripsPendingToolCallsWhenInterrupted(t *testing.T) {
	messages := []map[string]any{
		{"role": "user", "content": "hi"},
		{"role": "assistant", "content": "", "tool_calls": []any{
			map[string]any{"id": "call_1", "type": "function"},
		}},
		{"role": "user", "content": "never mind"},
	}
	out := SanitizeMessagesForUpstream(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if _, ok := out[1]["tool_calls"]; ok {
		t.Errorf("expected tool_calls stripped from interrupted assistant message, got %+v", out[1])
	}
}

func TestCompactSummaryBlockEmptyWhenNoSummaries(t *testing.T) {
	if got := CompactSummaryBlock(&model.SummaryFactBlock{}); got != "" {
		t.Errorf("expected empty block, got %q", got)
	}
	if got := CompactSummaryBlock(nil); got != "" {
		t.Errorf("expected empty block for nil, got %q", got)
	}
}

func TestCompactSummaryBlockIncludesBothLevels(t *testing.T) {
	block := &model.SummaryFactBlock{
		S4:  &model.SummaryFact{Summary: map[string]any{"goal": "ship feature"}},
		S60: &model.SummaryFact{Summary: map[string]any{"goal": "long term goal"}},
	}
	got := CompactSummaryBlock(block)
	if !strings.Contains(got, "S4 (recent)") || !strings.Contains(got, "S60 (long)") {
		t.Errorf("expected both levels in block, got %q", got)
	}
	if !strings.Contains(got, "【End】") {
		t.Errorf("expected closing tag, got %q", got)
	}
}

func TestBuildAnchorSystemBlockEmptyWhenNoSnippet(t *testing.T) {
	if got := BuildAnchorSystemBlock("  "); got != "" {
		t.Errorf("expected empty block for blank snippet, got %q", got)
	}
}

func TestBuildAnchorSystemBlockWrapsSnippet(t *testing.T) {
	got := BuildAnchorSystemBlock("some retrieved tone sample")
	if !strings.Contains(got, "some retrieved tone sample") {
		t.Errorf("expected snippet in block, got %q", got)
	}
	if !strings.Contains(got, "Persona Anchor") {
		t.Errorf("expected anchor tag, got %q", got)
	}
}

func TestResolveWriterMode(t *testing.T) {
	if got := ResolveWriterMode(map[string]any{"writer_mode": "Weak"}, "normal"); got != "weak" {
		t.Errorf("got %q, want weak", got)
	}
	if got := ResolveWriterMode(map[string]any{"mode": "STRICT"}, "normal"); got != "strict" {
		t.Errorf("got %q, want strict", got)
	}
	if got := ResolveWriterMode(nil, "normal"); got != "normal" {
		t.Errorf("got %q, want normal", got)
	}
}

func TestBuildWriterConstraintBlockWeakModeAddsClause(t *testing.T) {
	normal := BuildWriterConstraintBlock("normal")
	weak := BuildWriterConstraintBlock("weak")
	if strings.Contains(normal, "weak 模式") {
		t.Errorf("normal mode block should not mention weak mode: %q", normal)
	}
	if !strings.Contains(weak, "weak 模式") {
		t.Errorf("weak mode block should mention weak mode: %q", weak)
	}
}

func TestInjectSystemSkipsEmptyBlocks(t *testing.T) {
	messages := []map[string]any{{"role": "user", "content": "hi"}}
	out := InjectSystem(messages, []string{"", "  ", "real block"})
	if len(out) != 2 {
		t.Fatalf("expected system message prepended, got %d messages", len(out))
	}
	if out[0]["role"] != "system" || out[0]["content"] != "real block" {
		t.Errorf("unexpected system message: %+v", out[0])
	}
}

func TestInjectSystemNoopWhenAllBlocksEmpty(t *testing.T) {
	messages := []map[string]any{{"role": "user", "content": "hi"}}
	out := InjectSystem(messages, []string{"", "   "})
	if len(out) != 1 {
		t.Fatalf("expected no system message injected, got %d", len(out))
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	cases := map[string]string{
		"https://api.openai.com/v1/chat/completions": "https://api.openai.com/v1/chat/completions",
		"https://openrouter.ai/api/v1":                "https://openrouter.ai/api/v1/chat/completions",
		"https://example.com/llm":                     "https://example.com/llm/v1/chat/completions",
		"":                                             "https://api.openai.com/v1/chat/completions",
	}
	for in, want := range cases {
		if got := BuildUpstreamURL(in); got != want {
			t.Errorf("BuildUpstreamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildUpstreamHeadersRequiresAPIKey(t *testing.T) {
	cfg := &config.Config{}
	if _, err := BuildUpstreamHeaders(cfg); err == nil {
		t.Fatal("expected error when UPSTREAM_API_KEY is empty")
	}

	cfg.UpstreamAPIKey = "sk-test"
	cfg.OpenRouterHTTPReferer = "https://example.com"
	h, err := BuildUpstreamHeaders(cfg)
	if err != nil {
		t.Fatalf("BuildUpstreamHeaders: %v", err)
	}
	if h.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("unexpected auth header: %q", h.Get("Authorization"))
	}
	if h.Get("HTTP-Referer") != "https://example.com" {
		t.Errorf("unexpected referer header: %q", h.Get("HTTP-Referer"))
	}
}

func TestBuildDebugHeadersGatedOnFlag(t *testing.T) {
	if got := BuildDebugHeaders(false, "hello", "kw"); got != nil {
		t.Errorf("expected nil headers when disabled, got %+v", got)
	}
	got := BuildDebugHeaders(true, strings.Repeat("a", 200), "kw")
	if len([]rune(got["X-Debug-User-Text-Preview"])) != 120 {
		t.Errorf("expected preview truncated to 120 runes, got %d", len([]rune(got["X-Debug-User-Text-Preview"])))
	}
}

func TestParseStreamFlag(t *testing.T) {
	if ParseStreamFlag(map[string]any{"stream": true}) != true {
		t.Error("expected true")
	}
	if ParseStreamFlag(map[string]any{"stream": false}) != false {
		t.Error("expected false")
	}
	if ParseStreamFlag(map[string]any{}) != false {
		t.Error("expected false when absent")
	}
}

func TestApplyToolEmptyContentCompat(t *testing.T) {
	data := map[string]any{
		"choices": []any{
			map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"content":    "",
					"tool_calls": []any{map[string]any{"id": "call_1"}},
				},
			},
		},
	}
	out := ApplyToolEmptyContentCompat(true, "working on it", data)
	choices := out["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "working on it" {
		t.Errorf("expected placeholder content, got %+v", msg["content"])
	}

	origMsg := data["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if origMsg["content"] != "" {
		t.Errorf("expected original data left untouched, got %+v", origMsg["content"])
	}
}

func TestApplyToolEmptyContentCompatDisabled(t *testing.T) {
	data := map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": ""}}}}
	out := ApplyToolEmptyContentCompat(false, "placeholder", data)
	msg := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "" {
		t.Errorf("expected untouched when disabled, got %+v", msg["content"])
	}
}

func newRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}
