package handler

import (
	"encoding/json"
	"net/http"

	"github.com/connexus-ai/mnemo-gateway/internal/gateway"
)

const jsonUTF8 = "application/json; charset=utf-8"

// GatewayCtx wires the JSON-RPC 2.0 gateway_ctx tool onto HTTP: GET/OPTIONS
// return a liveness probe, POST accepts a single message or a JSON-RPC
// batch array, each dispatched to the engine in turn. This is the HTTP
// transport shell around engine.Dispatch, which only knows about decoded
// messages, not batching or GET/OPTIONS probing.
func GatewayCtx(engine *gateway.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defaultPV := engine.DefaultProtocolVersion()

		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			w.Header().Set("MCP-Protocol-Version", defaultPV)
			w.Header().Set("Content-Type", jsonUTF8)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "name": "gateway_ctx", "mcp": true})
			return
		}

		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.Header().Set("MCP-Protocol-Version", defaultPV)
			w.Header().Set("Content-Type", jsonUTF8)
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": nil,
				"error": map[string]any{"code": -32700, "message": "Parse error"},
			})
			return
		}

		headerPV := r.Header.Get("MCP-Protocol-Version")

		if batch, ok := body.([]any); ok {
			results := make([]any, 0, len(batch))
			pv := defaultPV
			for _, item := range batch {
				msg, ok := item.(map[string]any)
				if !ok {
					continue
				}
				resp, negotiated := engine.Dispatch(r.Context(), msg, headerPV)
				pv = negotiated
				if resp != nil {
					results = append(results, resp)
				}
			}
			w.Header().Set("MCP-Protocol-Version", pv)
			w.Header().Set("Content-Type", jsonUTF8)
			json.NewEncoder(w).Encode(results)
			return
		}

		msg, _ := body.(map[string]any)
		if msg == nil {
			msg = map[string]any{}
		}
		resp, pv := engine.Dispatch(r.Context(), msg, headerPV)
		w.Header().Set("MCP-Protocol-Version", pv)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", jsonUTF8)
		json.NewEncoder(w).Encode(resp)
	}
}
