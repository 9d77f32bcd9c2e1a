package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/connexus-ai/mnemo-gateway/internal/anchor"
	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/gateway"
	"github.com/connexus-ai/mnemo-gateway/internal/gwcache"
)

func testEngine() *gateway.Engine {
	cfg := &config.Config{MCPProtocolVersionDefault: "2025-06-18"}
	return gateway.New(gwcache.New(0), anchor.New(anchor.Config{}), cfg)
}

func TestGatewayCtxProbe(t *testing.T) {
	h := GatewayCtx(testEngine())

	req := httptest.NewRequest(http.MethodGet, "/gateway_ctx", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Header().Get("MCP-Protocol-Version") != "2025-06-18" {
		t.Errorf("unexpected protocol header: %q", rec.Header().Get("MCP-Protocol-Version"))
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["name"] != "gateway_ctx" || body["mcp"] != true {
		t.Errorf("unexpected probe body: %+v", body)
	}
}

func TestGatewayCtxOptions(t *testing.T) {
	h := GatewayCtx(testEngine())
	req := httptest.NewRequest(http.MethodOptions, "/gateway_ctx", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestGatewayCtxParseError(t *testing.T) {
	h := GatewayCtx(testEngine())
	req := httptest.NewRequest(http.MethodPost, "/gateway_ctx", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	h(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %+v", body)
	}
	if errObj["code"].(float64) != -32700 {
		t.Errorf("code = %v, want -32700", errObj["code"])
	}
}

func TestGatewayCtxSingleNotificationReturns204(t *testing.T) {
	h := GatewayCtx(testEngine())
	msg := map[string]any{"jsonrpc": "2.0", "method": "initialize", "params": map[string]any{}}
	raw, _ := json.Marshal(msg)
	req := httptest.NewRequest(http.MethodPost, "/gateway_ctx", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("MCP-Protocol-Version") == "" {
		t.Error("expected MCP-Protocol-Version header even on 204")
	}
}

func TestGatewayCtxSingleRequestReturnsResult(t *testing.T) {
	h := GatewayCtx(testEngine())
	msg := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}
	raw, _ := json.Marshal(msg)
	req := httptest.NewRequest(http.MethodPost, "/gateway_ctx", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["result"] == nil {
		t.Errorf("expected result field, got %+v", body)
	}
}

func TestGatewayCtxBatchSkipsNotifications(t *testing.T) {
	h := GatewayCtx(testEngine())
	batch := []any{
		map[string]any{"jsonrpc": "2.0", "method": "initialize", "params": map[string]any{}},
		map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"},
		map[string]any{"jsonrpc": "2.0", "id": 2, "method": "unknown/thing"},
	}
	raw, _ := json.Marshal(batch)
	req := httptest.NewRequest(http.MethodPost, "/gateway_ctx", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h(rec, req)

	var results []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (notification skipped), got %d: %+v", len(results), results)
	}
}
