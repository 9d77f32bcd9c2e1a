package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/anchor"
	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/gwcache"
)

func testConfig() *config.Config {
	return &config.Config{
		MCPProtocolVersionDefault: "2025-06-18",
		AnchorSnipMax:             400,
		GatewayCtxCacheTTLSecs:    20,
		GatewayCtxCacheMax:        256,
		RetrievalTopN:             3,
		RetrievalProfileVersion:   "v1.0.0",
		GarbledKWRepairEnabled:    true,
	}
}

func newEngine(t *testing.T, resultFor func(keyword string) string) *Engine {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		inputs, _ := body["inputs"].(map[string]any)
		kw, _ := inputs["keyword"].(string)
		json.NewEncoder(w).Encode(map[string]any{
			"outputs": map[string]any{"result": resultFor(kw)},
		})
	}))
	t.Cleanup(srv.Close)

	anchorClient := anchor.New(anchor.Config{WorkflowRunURL: srv.URL, APIKey: "test-key"})
	return New(gwcache.New(20*time.Second), anchorClient, testConfig())
}

func TestEngine_Initialize(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	resp, pv := e.Dispatch(context.Background(), map[string]any{"id": 1, "method": "initialize", "params": map[string]any{}}, "")
	if pv != "2025-06-18" {
		t.Errorf("pv = %q", pv)
	}
	result, _ := resp["result"].(map[string]any)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("result = %+v", result)
	}
}

func TestEngine_ToolsList(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	resp, _ := e.Dispatch(context.Background(), map[string]any{"id": 1, "method": "tools/list"}, "")
	result, _ := resp["result"].(map[string]any)
	tools, _ := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestEngine_Notification_ReturnsNil(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	resp, _ := e.Dispatch(context.Background(), map[string]any{"method": "initialize", "params": map[string]any{}}, "")
	if resp != nil {
		t.Errorf("expected nil response for notification, got %+v", resp)
	}
}

func TestEngine_UnknownMethod(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	resp, _ := e.Dispatch(context.Background(), map[string]any{"id": 1, "method": "bogus"}, "")
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if errObj["code"] != -32601 {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestEngine_ToolsCall_PrimaryKeywordHit(t *testing.T) {
	e := newEngine(t, func(kw string) string {
		if kw == "投资组合" {
			return "投资组合相关的背景资料"
		}
		return ""
	})
	resp, _ := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "tools/call",
		"params": map[string]any{
			"name": "gateway_ctx",
			"arguments": map[string]any{
				"keyword": "投资组合",
				"text":    "我想聊聊投资组合",
				"user":    "u1",
			},
		},
	}, "")

	result, _ := resp["result"].(map[string]any)
	data, _ := result["data"].(map[string]any)
	if data["keyword_primary"] != "投资组合" {
		t.Errorf("keyword_primary = %v", data["keyword_primary"])
	}
	if data["cache_hit"] != false {
		t.Errorf("cache_hit = %v", data["cache_hit"])
	}
	if data["ctx"] != "投资组合相关的背景资料" {
		t.Errorf("ctx = %v", data["ctx"])
	}
	content, _ := result["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("content = %+v", content)
	}
}

func TestEngine_ToolsCall_FallbackOnPrimaryMiss(t *testing.T) {
	e := newEngine(t, func(kw string) string {
		if kw == "哥哥,撒娇" {
			return "亲密兜底内容"
		}
		return ""
	})
	resp, _ := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "tools/call",
		"params": map[string]any{
			"name": "gateway_ctx",
			"arguments": map[string]any{
				"keyword": "没有命中的关键词",
				"text":    "随便聊聊",
				"user":    "u1",
			},
		},
	}, "")

	result, _ := resp["result"].(map[string]any)
	data, _ := result["data"].(map[string]any)
	if data["keyword_used"] != "哥哥,撒娇" {
		t.Errorf("keyword_used = %v", data["keyword_used"])
	}
	if data["ctx"] != "亲密兜底内容" {
		t.Errorf("ctx = %v", data["ctx"])
	}
}

func TestEngine_ToolsCall_CacheHitIsBypassed(t *testing.T) {
	calls := 0
	e := newEngine(t, func(kw string) string {
		calls++
		return "命中内容"
	})
	args := map[string]any{
		"name": "gateway_ctx",
		"arguments": map[string]any{
			"keyword": "投资组合",
			"user":    "u1",
		},
	}
	e.Dispatch(context.Background(), map[string]any{"id": 1, "method": "tools/call", "params": args}, "")
	resp, _ := e.Dispatch(context.Background(), map[string]any{"id": 2, "method": "tools/call", "params": args}, "")

	if calls != 1 {
		t.Errorf("anchor called %d times, want 1 (second call should hit cache)", calls)
	}
	result, _ := resp["result"].(map[string]any)
	data, _ := result["data"].(map[string]any)
	if data["cache_hit"] != true {
		t.Errorf("cache_hit = %v, want true", data["cache_hit"])
	}
	if data["cache_miss_reason"] != "bypassed" {
		t.Errorf("cache_miss_reason = %v, want bypassed", data["cache_miss_reason"])
	}
}

func TestEngine_ToolsCall_EmoFallbackWhenNoKeywordOrText(t *testing.T) {
	e := newEngine(t, func(kw string) string { return "" })
	resp, _ := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "tools/call",
		"params": map[string]any{
			"name": "gateway_ctx",
			"arguments": map[string]any{
				"text": "🥺",
				"user": "u1",
			},
		},
	}, "")
	result, _ := resp["result"].(map[string]any)
	data, _ := result["data"].(map[string]any)
	if data["keyword_primary"] != "哥哥,小猫咪" {
		t.Errorf("keyword_primary = %v", data["keyword_primary"])
	}
}

func TestEngine_ToolsCall_UnknownTool(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	resp, _ := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "tools/call",
		"params": map[string]any{"name": "not_gateway_ctx", "arguments": map[string]any{}},
	}, "")
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %+v", resp)
	}
	if errObj["code"] != -32601 {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestEngine_NegotiateProtocolVersion_PrefersParams(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	_, pv := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "initialize",
		"params": map[string]any{"protocolVersion": "2024-10-07"},
	}, "2025-03-26")
	if pv != "2024-10-07" {
		t.Errorf("pv = %q, want params-supplied version", pv)
	}
}

func TestEngine_NegotiateProtocolVersion_FallsBackToHeader(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	_, pv := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "initialize",
		"params": map[string]any{},
	}, "2025-03-26")
	if pv != "2025-03-26" {
		t.Errorf("pv = %q, want header-supplied version", pv)
	}
}

func TestEngine_NegotiateProtocolVersion_RejectsUnsupported(t *testing.T) {
	e := newEngine(t, func(string) string { return "" })
	_, pv := e.Dispatch(context.Background(), map[string]any{
		"id":     1,
		"method": "initialize",
		"params": map[string]any{"protocolVersion": "1999-01-01"},
	}, "also-bogus")
	if pv != e.DefaultProtocolVersion() {
		t.Errorf("pv = %q, want default %q", pv, e.DefaultProtocolVersion())
	}
}
