// Package proxy implements the Proxy Orchestrator: the OpenAI-compatible
// chat-completions endpoint that resolves session identity, loads prior
// summaries, extracts a retrieval keyword, invokes the gateway context
// builder, sanitizes tool-call history, and dispatches to the upstream LLM
// (streaming or buffered), handing the finished turn to the summarization
// collaborator.
package proxy

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/keyword"
	"github.com/connexus-ai/mnemo-gateway/internal/mojibake"
	"github.com/connexus-ai/mnemo-gateway/internal/model"
	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

// Identity is the resolved per-request thread/memory/agent scoping used for
// persistence and cadence decisions.
type Identity struct {
	ThreadID string
	MemoryID string
	AgentID  string
	S4Scope  string
}

// ResolveIdentity derives the request's persistence identity from headers,
// request metadata, and configured defaults.
func ResolveIdentity(r *http.Request, metadata map[string]any, cfg *config.Config, now time.Time) Identity {
	threadID := pickString(
		r.Header.Get("X-Thread-Id"),
		stringField(metadata, "thread_id"),
		r.Header.Get("X-Session-Id"),
	)
	if threadID == "" {
		threadID = GenerateThreadID(now)
	}

	memoryID := pickString(
		r.Header.Get("X-Memory-Id"),
		stringField(metadata, "memory_id"),
		cfg.MemoryIDDefault,
	)
	if memoryID == "" {
		memoryID = threadID
	}

	agentID := pickString(stringField(metadata, "agent_id"), cfg.AgentIDDefault)

	s4Scope := strings.ToLower(strings.TrimSpace(stringField(metadata, "s4_scope")))
	if s4Scope == "" {
		s4Scope = "thread"
	}
	if s4Scope != "thread" && s4Scope != "memory" && s4Scope != "auto" {
		s4Scope = "thread"
	}
	if s4Scope == "auto" {
		s4Scope = "thread"
	}

	return Identity{ThreadID: threadID, MemoryID: memoryID, AgentID: agentID, S4Scope: s4Scope}
}

// GenerateThreadID mints a fallback thread id when the client supplies none.
func GenerateThreadID(now time.Time) string {
	ts := now.UTC().Format("200601021504")
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return fmt.Sprintf("rk:th:%s:%s", ts, hex.EncodeToString(b))
}

func pickString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// LastUserText returns the content of the last user-role message, JSON-
// encoding non-string content.
func LastUserText(messages []map[string]any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		role, _ := messages[i]["role"].(string)
		if role != "user" {
			continue
		}
		switch c := messages[i]["content"].(type) {
		case string:
			return c
		case nil:
			return ""
		default:
			b, _ := json.Marshal(c)
			return string(b)
		}
	}
	return ""
}

// SanitizeMessagesForUpstream repairs broken assistant/tool threads that
// upstreams reject: a tool message only survives if its tool_call_id is
// pending from a preceding assistant tool_calls message; any other message
// arriving mid-pending strips the tool fields off the last assistant message
// and clears the pending set.
func SanitizeMessagesForUpstream(messages []map[string]any) []map[string]any {
	cleaned := make([]map[string]any, 0, len(messages))
	pending := map[string]struct{}{}

	stripLastAssistantToolFields := func() {
		for i := len(cleaned) - 1; i >= 0; i-- {
			if role, _ := cleaned[i]["role"].(string); role == "assistant" {
				m2 := make(map[string]any, len(cleaned[i]))
				for k, v := range cleaned[i] {
					m2[k] = v
				}
				delete(m2, "tool_calls")
				delete(m2, "function_call")
				cleaned[i] = m2
				return
			}
		}
	}

	for _, m := range messages {
		if m == nil {
			continue
		}
		role := strings.TrimSpace(stringField(m, "role"))

		if role == "tool" {
			tcid := strings.TrimSpace(stringField(m, "tool_call_id"))
			if tcid != "" {
				if _, ok := pending[tcid]; ok {
					cleaned = append(cleaned, m)
					delete(pending, tcid)
				}
			}
			continue
		}

		if len(pending) > 0 {
			stripLastAssistantToolFields()
			pending = map[string]struct{}{}
		}

		if role == "assistant" && m["tool_calls"] != nil {
			if tc, ok := m["tool_calls"].([]any); ok {
				for _, t := range tc {
					if tm, ok := t.(map[string]any); ok {
						if id := strings.TrimSpace(stringField(tm, "id")); id != "" {
							pending[id] = struct{}{}
						}
					}
				}
			}
			cleaned = append(cleaned, m)
			continue
		}

		if role == "assistant" && m["function_call"] != nil {
			content := m["content"]
			if content == nil {
				continue
			}
			if s, ok := content.(string); ok && strings.TrimSpace(s) == "" {
				continue
			}
			cleaned = append(cleaned, m)
			continue
		}

		cleaned = append(cleaned, m)
	}

	if len(pending) > 0 {
		stripLastAssistantToolFields()
	}
	return cleaned
}

// CompactSummaryBlock renders the latest S4/S60 facts as a single tagged
// system-prompt block, or "" when neither summary exists.
func CompactSummaryBlock(block *model.SummaryFactBlock) string {
	if block == nil {
		return ""
	}
	var parts []string
	if block.S4 != nil && len(block.S4.Summary) > 0 {
		b, _ := json.Marshal(block.S4.Summary)
		parts = append(parts, "S4 (recent): "+string(b))
	}
	if block.S60 != nil && len(block.S60.Summary) > 0 {
		b, _ := json.Marshal(block.S60.Summary)
		parts = append(parts, "S60 (long): "+string(b))
	}
	if len(parts) == 0 {
		return ""
	}
	return "【Internal Memory事实约束(仅用于事实一致性,不可作为语气模板;不要在回复中提到\"摘要/记忆/系统\")】\n" +
		strings.Join(parts, "\n") + "\n【End】"
}

// BuildAnchorSystemBlock wraps the Gateway Context Builder's snippet in an
// anti-parroting instruction: the snippet is learning material for tone, not
// a quotable source.
func BuildAnchorSystemBlock(snippet string) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return ""
	}
	return "【Persona Anchor(仅用于你在心里模仿语气与节奏,不要在回复中提到\"锚点/检索/工具/系统\")】\n" +
		"规则:下面内容是【学习素材】。你绝对不可以逐句复述或引用其中任何一句原话;只能学习称呼、语气、节奏、动作描写方式,用你自己的话回答。\n" +
		snippet + "\n【End】"
}

// ResolveWriterMode reads metadata.writer_mode (or .mode) falling back to
// the configured default.
func ResolveWriterMode(metadata map[string]any, defaultMode string) string {
	if mode := stringField(metadata, "writer_mode"); mode != "" {
		return strings.ToLower(strings.TrimSpace(mode))
	}
	if mode := stringField(metadata, "mode"); mode != "" {
		return strings.ToLower(strings.TrimSpace(mode))
	}
	return defaultMode
}

// BuildWriterConstraintBlock builds the tone-vs-fact separation instruction,
// with an extra no-fact-invention clause in "weak" mode.
func BuildWriterConstraintBlock(writerMode string) string {
	base := "【Writer Constraint】\n" +
		"你可以自然发挥、保持表达灵活与有温度。\n" +
		"禁止语气迁移:S4/S60 仅可作为事实约束,严禁把其中原话或语气当作措辞模板。"
	if writerMode == "weak" {
		return base + "\n" +
			"当前为 weak 模式:禁止编造明确事实(如时间、地点、人物身份、事件经过、数据、引用来源)。" +
			"若事实不确定,请明确说明不确定,或用条件句/建议式表达。\n【End】"
	}
	return base + "\n【End】"
}

// InjectSystem prepends a single system-role message built from the
// non-empty blocks, in order.
func InjectSystem(messages []map[string]any, blocks []string) []map[string]any {
	var kept []string
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return messages
	}
	out := make([]map[string]any, 0, len(messages)+1)
	out = append(out, map[string]any{"role": "system", "content": strings.Join(kept, "\n\n")})
	out = append(out, messages...)
	return out
}

// BuildUpstreamURL appends the chat-completions path to a base URL unless
// it is already present.
func BuildUpstreamURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// BuildUpstreamHeaders assembles the outbound auth/referer headers,
// failing if no upstream API key is configured.
func BuildUpstreamHeaders(cfg *config.Config) (http.Header, error) {
	key := strings.TrimSpace(cfg.UpstreamAPIKey)
	if key == "" {
		return nil, fmt.Errorf("proxy.BuildUpstreamHeaders: UPSTREAM_API_KEY is empty")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	h.Set("Content-Type", "application/json")
	if cfg.OpenRouterHTTPReferer != "" {
		h.Set("HTTP-Referer", cfg.OpenRouterHTTPReferer)
	}
	if cfg.OpenRouterXTitle != "" {
		h.Set("X-Title", cfg.OpenRouterXTitle)
	}
	return h, nil
}

// BuildDebugHeaders returns the optional debug-echo headers: a truncated
// user-text preview, its hex encoding, and the keyword actually used.
func BuildDebugHeaders(enabled bool, userText, kw string) map[string]string {
	if !enabled {
		return nil
	}
	preview := truncateRunes(userText, 120)
	return map[string]string{
		"X-Debug-User-Text-Preview": preview,
		"X-Debug-User-Text-Hex":     hex.EncodeToString([]byte(truncateRunes(userText, 120))),
		"X-Debug-Keyword":           truncateRunes(kw, 120),
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ParseStreamFlag reads body["stream"], tolerant of bool, nil, or a
// stringified boolean.
func ParseStreamFlag(body map[string]any) bool {
	switch v := body["stream"].(type) {
	case bool:
		return v
	case nil:
		return false
	default:
		return strings.EqualFold(fmt.Sprintf("%v", v), "true")
	}
}

// ApplyToolEmptyContentCompat substitutes a placeholder assistant content
// string when upstream returns finish_reason="tool_calls" with tool calls
// present but an empty content string, which some OpenAI-compatible clients
// otherwise choke on.
func ApplyToolEmptyContentCompat(enabled bool, placeholder string, data map[string]any) map[string]any {
	if !enabled {
		return data
	}
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return data
	}
	c0, ok := choices[0].(map[string]any)
	if !ok {
		return data
	}
	msg, ok := c0["message"].(map[string]any)
	if !ok {
		return data
	}

	finishReason, _ := c0["finish_reason"].(string)
	_, hasToolCalls := msg["tool_calls"].([]any)
	content, contentIsString := msg["content"].(string)

	if finishReason == "tool_calls" && hasToolCalls && contentIsString && strings.TrimSpace(content) == "" {
		out := cloneShallow(data)
		outChoices := append([]any{}, choices...)
		outC0 := cloneShallow(c0)
		outMsg := cloneShallow(msg)
		outMsg["content"] = placeholder
		outC0["message"] = outMsg
		outChoices[0] = outC0
		out["choices"] = outChoices
		return out
	}
	return data
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GatewayCaller is the subset of gateway.Engine the orchestrator depends on.
type GatewayCaller interface {
	Dispatch(ctx context.Context, raw map[string]any, headerProtocolVersion string) (resp map[string]any, pv string)
}

// Orchestrator wires the Proxy Orchestrator's dependencies together.
type Orchestrator struct {
	Gateway    GatewayCaller
	Summaries  summary.Store
	Cfg        *config.Config
	HTTPClient *http.Client
	Now        func() time.Time
}

// New creates an Orchestrator.
func New(gw GatewayCaller, summaries summary.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		Gateway:    gw,
		Summaries:  summaries,
		Cfg:        cfg,
		HTTPClient: &http.Client{Timeout: 0},
		Now:        time.Now,
	}
}

// callGatewayCtx invokes the in-process gateway_ctx tool and returns the
// rendered snippet, tolerant of any error (an empty snippet degrades
// gracefully rather than failing the whole chat turn).
func (o *Orchestrator) callGatewayCtx(ctx context.Context, kw, text, user string, sums *model.SummaryFactBlock) string {
	summaries := map[string]any{}
	if sums != nil {
		if sums.S4 != nil {
			summaries["s4"] = sums.S4
		}
		if sums.S60 != nil {
			summaries["s60"] = sums.S60
		}
	}

	resp, _ := o.Gateway.Dispatch(ctx, map[string]any{
		"jsonrpc": "2.0",
		"id":      "po-internal",
		"method":  "tools/call",
		"params": map[string]any{
			"name": "gateway_ctx",
			"arguments": map[string]any{
				"keyword":   kw,
				"text":      text,
				"user":      user,
				"summaries": summaries,
			},
		},
	}, o.Cfg.MCPProtocolVersionDefault)

	result, _ := resp["result"].(map[string]any)
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		return ""
	}
	first, _ := content[0].(map[string]any)
	text2, _ := first["text"].(string)
	return strings.TrimSpace(text2)
}

// ChatCompletions handles POST /v1/chat/completions.
func (o *Orchestrator) ChatCompletions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		metadata, _ := payload["metadata"].(map[string]any)
		now := o.Now()
		identity := ResolveIdentity(r, metadata, o.Cfg, now)
		sessionID := identity.ThreadID

		rawMessages, _ := payload["messages"].([]any)
		messages := toMessageMaps(rawMessages)

		_, hasTools := payload["tools"]
		_, hasFunctions := payload["functions"]
		if !hasTools && !hasFunctions {
			messages = SanitizeMessagesForUpstream(messages)
		}
		userText := LastUserText(messages)

		sums, err := o.Summaries.Latest(r.Context(), sessionID)
		if err != nil {
			slog.Error("proxy: summary load failed", "session_id", sessionID, "error", err)
			sums = &model.SummaryFactBlock{}
		}
		summaryBlock := CompactSummaryBlock(sums)

		kw := ""
		anchorBlock := ""
		if o.Cfg.AnchorInjectEnabled && o.Cfg.ForceGatewayEveryTurn {
			kw = keyword.ExtractPO(userText, 2)
			gatewayUser := pickString(stringField(metadata, "gateway_user"), stringField(payload, "user"), o.Cfg.GatewayCtxUser)
			snippet := o.callGatewayCtx(r.Context(), kw, userText, gatewayUser, sums)
			anchorBlock = BuildAnchorSystemBlock(snippet)
		}

		writerMode := ResolveWriterMode(metadata, o.Cfg.WriterModeDefault)
		systemBlocks := []string{summaryBlock, anchorBlock, BuildWriterConstraintBlock(writerMode)}
		messages = InjectSystem(messages, systemBlocks)

		headers, err := BuildUpstreamHeaders(o.Cfg)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		upstreamURL := BuildUpstreamURL(o.Cfg.UpstreamBaseURL)

		body := cloneShallow(payload)
		body["messages"] = toAnySlice(messages)

		stream := ParseStreamFlag(body)
		modelName := stringField(body, "model")
		if modelName == "" {
			modelName = "unknown"
		}

		debugHeaders := BuildDebugHeaders(o.Cfg.OpenAIProxyDebugEcho, userText, kwIfInjected(o, kw))

		if stream {
			o.streamAndStore(w, r.Context(), upstreamURL, headers, body, sessionID, userText, modelName, identity, debugHeaders)
			return
		}
		o.bufferedDispatch(w, r.Context(), upstreamURL, headers, body, sessionID, userText, modelName, identity, debugHeaders)
	}
}

func kwIfInjected(o *Orchestrator, kw string) string {
	if o.Cfg.AnchorInjectEnabled && o.Cfg.ForceGatewayEveryTurn {
		return kw
	}
	return ""
}

func toMessageMaps(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toAnySlice(messages []map[string]any) []any {
	out := make([]any, len(messages))
	for i, m := range messages {
		out[i] = m
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": message}})
}

func setObservabilityHeaders(h http.Header, upstreamURL string, id Identity, sessionID string, debug map[string]string) {
	h.Set("X-Upstream-URL", upstreamURL)
	h.Set("X-Thread-Id", id.ThreadID)
	h.Set("X-Memory-Id", id.MemoryID)
	h.Set("X-Agent-Id", id.AgentID)
	h.Set("X-S4-Scope", id.S4Scope)
	h.Set("X-Session-Id", sessionID)
	for k, v := range debug {
		h.Set(k, v)
	}
}

func (o *Orchestrator) bufferedDispatch(w http.ResponseWriter, ctx context.Context, upstreamURL string, headers http.Header, body map[string]any, sessionID, userText, modelName string, identity Identity, debugHeaders map[string]string) {
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, strings.NewReader(string(reqBody)))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header = headers.Clone()

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	raw = mojibake.RepairJSON(raw)

	setObservabilityHeaders(w.Header(), upstreamURL, identity, sessionID, debugHeaders)
	w.Header().Set("Content-Type", "application/json")

	if resp.StatusCode >= 400 {
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
		return
	}
	data = ApplyToolEmptyContentCompat(o.Cfg.ToolEmptyContentCompat, o.Cfg.ToolEmptyContentPlaceholder, data)

	assistantText := extractAssistantText(data)
	if assistantText != "" {
		o.persistTurn(sessionID, userText, assistantText, modelName, identity)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

func extractAssistantText(data map[string]any) string {
	choices, _ := data["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	c0, _ := choices[0].(map[string]any)
	msg, _ := c0["message"].(map[string]any)
	text, _ := msg["content"].(string)
	return text
}

func (o *Orchestrator) streamAndStore(w http.ResponseWriter, ctx context.Context, upstreamURL string, headers http.Header, body map[string]any, sessionID, userText, modelName string, identity Identity, debugHeaders map[string]string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, strings.NewReader(string(reqBody)))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header = headers.Clone()

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	setObservabilityHeaders(w.Header(), upstreamURL, identity, sessionID, debugHeaders)

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		msg := extractUpstreamErrorMessage(raw)
		errBody, _ := json.Marshal(map[string]any{"error": map[string]any{
			"message": msg, "type": "upstream_error", "status": resp.StatusCode,
		}})
		fmt.Fprintf(w, "data: %s\n\n", errBody)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	var fullParts []string
	done := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Fprint(w, "\n")
			flusher.Flush()
			continue
		}

		repairedLine := line
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				done = true
				fmt.Fprint(w, line+"\n")
				flusher.Flush()
				break
			}
			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err == nil {
				if repaired, ok := mojibake.RepairValue(chunk).(map[string]any); ok {
					if piece := extractDeltaContent(repaired); piece != "" {
						fullParts = append(fullParts, piece)
					}
					if encoded, err := json.Marshal(repaired); err == nil {
						repairedLine = "data: " + string(encoded)
					}
				}
			}
		}
		fmt.Fprint(w, repairedLine+"\n")
		flusher.Flush()
	}

	fullText := strings.TrimSpace(strings.Join(fullParts, ""))
	if fullText != "" {
		o.persistTurn(sessionID, userText, fullText, modelName, identity)
	}
	if !done {
		fmt.Fprint(w, "\ndata: [DONE]\n\n")
		flusher.Flush()
	}
}

func extractDeltaContent(chunk map[string]any) string {
	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	c0, _ := choices[0].(map[string]any)
	delta, _ := c0["delta"].(map[string]any)
	content, _ := delta["content"].(string)
	return content
}

func extractUpstreamErrorMessage(raw []byte) string {
	var j map[string]any
	if err := json.Unmarshal(raw, &j); err == nil {
		if e, ok := j["error"].(map[string]any); ok {
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
		if m, ok := j["message"].(string); ok {
			return m
		}
	}
	return string(raw)
}

// persistTurn hands the finished turn to the Summarization Engine on a
// detached context: neither a client disconnect nor this request's own
// deadline should cancel the persistence/cadence work.
func (o *Orchestrator) persistTurn(sessionID, userText, assistantText, modelName string, identity Identity) {
	go func() {
		bgCtx := context.Background()
		_, err := o.Summaries.AppendTurn(bgCtx, model.ChatTurn{
			SessionID:     sessionID,
			UserText:      userText,
			AssistantText: assistantText,
			ModelName:     modelName,
			CadenceParams: map[string]any{
				"thread_id": identity.ThreadID,
				"memory_id": identity.MemoryID,
				"agent_id":  identity.AgentID,
			},
		})
		if err != nil {
			slog.Error("proxy: persist turn failed", "session_id", sessionID, "error", err)
		}
	}()
}
