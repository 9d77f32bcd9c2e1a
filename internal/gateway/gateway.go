// Package gateway implements the Gateway Context Builder (C5): a JSON-RPC
// 2.0 tool endpoint exposing a single "gateway_ctx" tool that resolves a
// retrieval keyword, calls the Anchor RAG client (with a conditional
// fallback retry), ranks the resulting evidence, and returns it wrapped
// in MCP content[].text plus debug fields.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/anchor"
	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/evidence"
	"github.com/connexus-ai/mnemo-gateway/internal/gwcache"
	"github.com/connexus-ai/mnemo-gateway/internal/keyword"
	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

var supportedProtocolVersions = map[string]bool{
	"2025-11-25": true,
	"2025-06-18": true,
	"2025-03-26": true,
	"2024-11-05": true,
	"2024-10-07": true,
}

const serverName = "gateway_ctx"
const serverVersion = "2.3"

// Engine dispatches JSON-RPC 2.0 messages for the gateway_ctx tool.
type Engine struct {
	Cache  *gwcache.Cache
	Anchor *anchor.Client
	Cfg    *config.Config

	// Now is injectable for deterministic cache-TTL tests; defaults to
	// time.Now via New.
	Now func() time.Time
}

// New builds an Engine wired to the given cache, anchor client, and config.
func New(cache *gwcache.Cache, anchorClient *anchor.Client, cfg *config.Config) *Engine {
	return &Engine{Cache: cache, Anchor: anchorClient, Cfg: cfg, Now: time.Now}
}

// DefaultProtocolVersion is the version reported on GET/OPTIONS probes and
// used when neither params nor the request header name a supported one.
func (e *Engine) DefaultProtocolVersion() string {
	if supportedProtocolVersions[e.Cfg.MCPProtocolVersionDefault] {
		return e.Cfg.MCPProtocolVersionDefault
	}
	return "2025-06-18"
}

func (e *Engine) negotiateProtocolVersion(params map[string]any, headerVersion string) string {
	if pv, ok := params["protocolVersion"].(string); ok {
		pv = strings.TrimSpace(pv)
		if pv != "" && supportedProtocolVersions[pv] {
			return pv
		}
	}
	hv := strings.TrimSpace(headerVersion)
	if hv != "" && supportedProtocolVersions[hv] {
		return hv
	}
	return e.DefaultProtocolVersion()
}

// Dispatch handles one decoded JSON-RPC message. resp is nil when msg is a
// notification (no "id" key) — the caller must not write a body for it.
// pv is the protocol version negotiated for this message; batch callers
// thread it through on a last-write-wins basis across the whole batch.
func (e *Engine) Dispatch(ctx context.Context, raw map[string]any, headerProtocolVersion string) (resp map[string]any, pv string) {
	id, hasID := raw["id"]
	method, _ := raw["method"].(string)
	params, _ := raw["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	isNotification := !hasID

	pv = e.negotiateProtocolVersion(params, headerProtocolVersion)

	switch method {
	case "initialize":
		result := map[string]any{
			"protocolVersion": pv,
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
		if isNotification {
			return nil, pv
		}
		return jsonrpcResult(id, result), pv

	case "tools/list":
		if isNotification {
			return nil, pv
		}
		return jsonrpcResult(id, map[string]any{"tools": []any{toolDescriptor()}}), pv

	case "tools/call":
		name, _ := params["name"].(string)
		if name != "gateway_ctx" {
			if isNotification {
				return nil, pv
			}
			return jsonrpcError(id, -32601, fmt.Sprintf("Unknown tool: %s", name)), pv
		}
		arguments, _ := params["arguments"].(map[string]any)
		if arguments == nil {
			arguments = map[string]any{}
		}
		result := e.runGatewayCtx(ctx, arguments)
		if isNotification {
			return nil, pv
		}
		return jsonrpcResult(id, result), pv

	default:
		if isNotification {
			return nil, pv
		}
		return jsonrpcError(id, -32601, fmt.Sprintf("Method not found: %s", method)), pv
	}
}

func toolDescriptor() map[string]any {
	return map[string]any{
		"name":        "gateway_ctx",
		"description": "Unified gateway context builder: keyword + Anchor RAG snippet. Returns MCP content[].text + debug data.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword":   map[string]any{"type": "string", "description": "search keywords"},
				"text":      map[string]any{"type": "string", "description": "optional raw user message"},
				"user":      map[string]any{"type": "string", "description": "optional user/session id"},
				"summaries": map[string]any{"type": "object", "description": "optional session summaries, support s4/s60 as fact constraints"},
			},
			"required": []any{"keyword"},
		},
	}
}

func jsonrpcResult(id any, result any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
}

func jsonrpcError(id any, code int, message string) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}}
}

func mcpWrapText(resObj map[string]any, textOut string, isError bool) map[string]any {
	return map[string]any{
		"content": []any{map[string]any{"type": "text", "text": textOut}},
		"isError": isError,
		"data":    resObj,
	}
}

// runGatewayCtx is the gateway_ctx tool core: keyword resolution, cache
// lookup, Anchor RAG retrieval with a conditional fallback retry, evidence
// scoring, and cache write. It always returns the MCP-wrapped result
// object, never an error — retrieval failures are reported as isError
// results, matching the upstream contract that gateway_ctx never 500s.
func (e *Engine) runGatewayCtx(ctx context.Context, arguments map[string]any) map[string]any {
	suppliedKeyword := strings.TrimSpace(stringArg(arguments, "keyword"))
	text := strings.TrimSpace(stringArg(arguments, "text"))
	user := strings.TrimSpace(stringArg(arguments, "user"))
	if user == "" {
		user = "mcp"
	}
	summaries := parseSummaries(arguments["summaries"])

	repairEnabled := e.Cfg.GarbledKWRepairEnabled
	if repairEnabled && keyword.IsGarbled(suppliedKeyword) && e.Cfg.GatewayCtxDebug {
		if derived := keyword.DeriveFromText(text, 2); derived != "" {
			slog.Info("[gateway_ctx] repair_garbled_kw", "from", suppliedKeyword, "to", derived)
		}
	}
	primaryKeyword := keyword.Resolve(suppliedKeyword, text, repairEnabled)

	cacheKey := gwcache.Key(user, primaryKeyword, e.Cfg.RetrievalProfileVersion)
	now := e.Now()
	t0 := time.Now()

	if e.Cfg.GatewayCtxDebug {
		slog.Info("[gateway_ctx] lookup", "cache_size", e.Cache.Len(), "kw", primaryKeyword,
			"user", user, "cache_key", cacheKey, "ttl_secs", e.Cfg.GatewayCtxCacheTTLSecs)
	}

	entry, hit, missReason := e.Cache.Get(cacheKey, now, user, primaryKeyword, e.Cfg.RetrievalProfileVersion)
	if hit {
		resObj := cloneMap(entry.Result)
		evidenceCached, _ := resObj["evidence"].([]model.EvidenceRecord)
		keywordUsed := safeStringField(resObj, "keyword", primaryKeyword)
		applyDebugFields(resObj, true, missReason, primaryKeyword, keywordUsed, evidenceCached)
		resObj["retrieval_profile_version"] = e.Cfg.RetrievalProfileVersion

		if e.Cfg.GatewayCtxDebug {
			slog.Info("[gateway_ctx] cache_hit", "kw", primaryKeyword,
				"ms", round1(float64(time.Since(t0).Microseconds())/1000), "len", len(entry.Snippet))
		}
		return mcpWrapText(resObj, entry.Snippet, false)
	}

	t1 := time.Now()
	dify, err := e.Anchor.Call(ctx, primaryKeyword, user)
	if err != nil {
		resObj := map[string]any{
			"keyword":                   primaryKeyword,
			"keyword_primary":           primaryKeyword,
			"keyword_used":              primaryKeyword,
			"retrieval_profile_version": e.Cfg.RetrievalProfileVersion,
			"error":                     err.Error(),
		}
		applyDebugFields(resObj, false, missReason, primaryKeyword, primaryKeyword, nil)
		slog.Error("[gateway_ctx] error", "kw", primaryKeyword,
			"ms_all", round1(float64(time.Since(t0).Microseconds())/1000), "err", err)
		return mcpWrapText(resObj, err.Error(), true)
	}
	msDifyPrimary := round1(float64(time.Since(t1).Microseconds()) / 1000)
	msDifyUsed := msDifyPrimary

	picked := firstNonEmpty(dify.Result, dify.ChatText)
	ctxText := truncateCtx(picked, e.Cfg.AnchorSnipMax)

	usedKeyword := primaryKeyword
	primaryHitText := ctxText
	fallbackKeyword := ""
	fallbackHitText := ""
	outs := dify

	if ctxText == "" {
		fallback := "哥哥,撒娇"
		if keyword.IsEmoChitchat(text) {
			fallback = "哥哥,小猫咪"
		}
		fallbackKeyword = keyword.Normalize(fallback)
		if fallbackKeyword != "" && fallbackKeyword != primaryKeyword {
			if e.Cfg.GatewayCtxDebug {
				slog.Info("[gateway_ctx] primary_miss", "kw", primaryKeyword, "fallback", fallbackKeyword)
			}
			t2 := time.Now()
			dify2, err2 := e.Anchor.Call(ctx, fallbackKeyword, user)
			if err2 == nil {
				msDifyUsed = round1(float64(time.Since(t2).Microseconds()) / 1000)
				picked2 := firstNonEmpty(dify2.Result, dify2.ChatText)
				ctx2 := truncateCtx(picked2, e.Cfg.AnchorSnipMax)
				if ctx2 != "" {
					fallbackHitText = ctx2
					usedKeyword = fallbackKeyword
					ctxText = ctx2
					outs = dify2
				}
			}
		}
	}

	keywordCandidates := buildGatewayEvidence(primaryKeyword, primaryHitText, fallbackKeyword, fallbackHitText, now.Unix())
	keywordUnified := evidence.AdaptKeyword(keywordCandidates)
	vectorUnified := evidence.AdaptVector(extractVectorCandidatesSafe(outs))
	summaryUnified := evidence.BuildSummaryCandidates(summaries, text)

	allCandidates := make([]model.RawCandidate, 0, len(keywordUnified)+len(vectorUnified)+len(summaryUnified))
	allCandidates = append(allCandidates, keywordUnified...)
	allCandidates = append(allCandidates, vectorUnified...)
	allCandidates = append(allCandidates, summaryUnified...)
	scored := evidence.Score(allCandidates, e.Cfg.RetrievalTopN)

	usedEvidenceIDs := make([]string, 0, len(scored))
	for _, rec := range scored {
		if rec.ID != "" {
			usedEvidenceIDs = append(usedEvidenceIDs, rec.ID)
		}
	}

	resObj := map[string]any{
		"keyword":         usedKeyword,
		"keyword_primary": primaryKeyword,
		"keyword_used":    usedKeyword,
		"ctx":             ctxText,
		"raw": map[string]any{
			"result":            outs.Result,
			"chat_text":         outs.ChatText,
			"vector_candidates": outs.VectorCandidates,
		},
		"evidence":                  scored,
		"used_evidence_ids":         usedEvidenceIDs,
		"retrieval_profile_version": e.Cfg.RetrievalProfileVersion,
		"ms_dify_primary":           msDifyPrimary,
		"ms_dify_used":              msDifyUsed,
	}
	applyDebugFields(resObj, false, missReason, primaryKeyword, usedKeyword, scored)

	e.Cache.Put(cacheKey, e.Now(), ctxText, resObj, e.Cfg.GatewayCtxCacheMax)

	if e.Cfg.GatewayCtxDebug {
		slog.Info("[gateway_ctx] miss", "kw", primaryKeyword, "used", usedKeyword,
			"ms_all", round1(float64(time.Since(t0).Microseconds())/1000), "len", len(ctxText))
	}

	return mcpWrapText(resObj, ctxText, false)
}

func applyDebugFields(resObj map[string]any, cacheHit bool, missReason gwcache.MissReason, keywordPrimary, keywordUsed string, ev []model.EvidenceRecord) {
	resObj["cache_hit"] = cacheHit
	resObj["cache_miss_reason"] = string(missReason)
	resObj["keyword_primary"] = keywordPrimary
	resObj["keyword_used"] = keywordUsed
	resObj["grounding_mode"] = evidence.GroundingMode(ev)
}

func buildGatewayEvidence(primaryKeyword, primaryText, fallbackKeyword, fallbackText string, ts int64) []map[string]any {
	var out []map[string]any
	if primaryText != "" {
		out = append(out, buildEvidenceItem(len(out), "keyword", primaryKeyword, primaryText, primaryKeyword, ts))
	}
	if fallbackText != "" {
		out = append(out, buildEvidenceItem(len(out), "fallback", fallbackKeyword, fallbackText, fallbackKeyword, ts))
	}
	return out
}

// buildEvidenceItem mirrors the original's evidence-item shape exactly,
// including its use of "meta" (not "metadata") and "score_raw" (not
// "score") as keys: evidence.AdaptKeyword reads "score"/"chunk_id"/
// "metadata", so neither the nested keyword_used nor chunk_id in "meta"
// actually survives adaptation. That is the original's behavior, not a
// bug introduced here — ported faithfully rather than "fixed".
func buildEvidenceItem(index int, sourceType, sourceID, text, keywordUsed string, ts int64) map[string]any {
	reason := "fallback_hit"
	if sourceType == "keyword" {
		reason = "keyword_hit"
	}
	return map[string]any{
		"id":          fmt.Sprintf("ev_%d", index),
		"source_type": sourceType,
		"source_id":   sourceID,
		"text":        text,
		"score_raw":   1.0,
		"score_final": 1.0,
		"reason":      reason,
		"ts":          ts,
		"meta": map[string]any{
			"source_name":  "anchor_rag",
			"keyword_used": keywordUsed,
			"chunk_id":     "",
		},
	}
}

func extractVectorCandidatesSafe(outs anchor.Outputs) []map[string]any {
	if outs.VectorCandidates == nil {
		return []map[string]any{}
	}
	return outs.VectorCandidates
}

func parseSummaries(raw any) model.SummaryFactBlock {
	m, ok := raw.(map[string]any)
	if !ok {
		return model.SummaryFactBlock{}
	}
	return model.SummaryFactBlock{
		S4:  parseSummaryFact(m["s4"]),
		S60: parseSummaryFact(m["s60"]),
	}
}

func parseSummaryFact(raw any) *model.SummaryFact {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	summary := m["summary"]
	if summary == nil {
		return nil
	}

	var summaryMap map[string]any
	switch s := summary.(type) {
	case map[string]any:
		summaryMap = s
	case string:
		summaryMap = map[string]any{"text": s}
	default:
		summaryMap = map[string]any{"text": fmt.Sprintf("%v", s)}
	}

	fact := &model.SummaryFact{Summary: summaryMap}
	if createdAt, ok := m["created_at"].(string); ok {
		fact.CreatedAt = createdAt
	}
	if modelName, ok := m["model"].(string); ok {
		fact.Model = modelName
	}
	if rng, ok := m["range"].([]any); ok {
		for i, v := range rng {
			if i >= 2 {
				break
			}
			if f, ok := v.(float64); ok {
				fact.Range[i] = int(f)
			}
		}
	}
	return fact
}

func stringArg(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncateCtx(text string, max int) string {
	t := strings.ReplaceAll(strings.TrimSpace(text), "\r", "")
	if t == "" {
		return ""
	}
	runes := []rune(t)
	if len(runes) <= max {
		return t
	}
	return strings.TrimRight(string(runes[:max]), " \t\n\v\f") + "…"
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func safeStringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
