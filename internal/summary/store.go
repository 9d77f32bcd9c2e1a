// Package summary implements the Summarization Engine collaborator: it
// persists chat turns, produces S4 (short-horizon) and S60 (long-horizon)
// summaries on a periodic cadence, and exposes the latest summaries plus a
// bounded ring of debug events for troubleshooting.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/model"
	"github.com/connexus-ai/mnemo-gateway/internal/mojibake"
)

const scopeTypeSession = "session"

// LLMClient abstracts the generative model used to produce summary JSON.
type LLMClient interface {
	GenerateContent(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Generator produces a summary JSON object (goal, state, open_loops,
// constraints, tone_notes) for a window of chat turns at a given cadence
// level ("s4" or "s60").
type Generator interface {
	Summarize(ctx context.Context, level string, turns []model.ChatTurn) (map[string]any, error)
}

// MessageRepo persists and retrieves chat turns for a session.
type MessageRepo interface {
	Insert(ctx context.Context, msg *model.Message) error
	CountUserTurns(ctx context.Context, sessionID string) (int, error)
	RecentByUserTurnWindow(ctx context.Context, sessionID string, windowUserTurns int) ([]model.Message, error)
}

// SummaryRepo persists S4/S60 summary rows with idempotent insert semantics.
type SummaryRepo interface {
	LatestByLevel(ctx context.Context, sessionID, level string) (*model.SummaryRow, error)
	ListByLevel(ctx context.Context, sessionID, level string, limit int) ([]model.SummaryRow, error)
	InsertIfAbsent(ctx context.Context, level string, row *model.SummaryRow) (inserted bool, err error)
}

// SessionFlagRepo toggles the proactive-messaging flag on a session.
type SessionFlagRepo interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
	SetProactiveEnabled(ctx context.Context, sessionID string, enabled bool) error
}

// Store is the interface PO and the HTTP handlers use to interact with the
// Summarization Engine.
type Store interface {
	Latest(ctx context.Context, sessionID string) (*model.SummaryFactBlock, error)
	ListSummaries(ctx context.Context, sessionID, level string, limit int) ([]model.SummaryRow, error)
	AppendTurn(ctx context.Context, turn model.ChatTurn) (assistantTurnID int, err error)
	RecentDebugEvents(sessionID string, limit int) []map[string]any
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	SetProactiveEnabled(ctx context.Context, sessionID string, enabled bool) error
}

// PGStore is the pgx-backed Store implementation.
type PGStore struct {
	messages  MessageRepo
	summaries SummaryRepo
	sessions  SessionFlagRepo
	gen       Generator
	cfg       *config.Config
	debug     *debugRing
	now       func() time.Time
}

// New creates a PGStore.
func New(messages MessageRepo, summaries SummaryRepo, sessions SessionFlagRepo, gen Generator, cfg *config.Config) *PGStore {
	return &PGStore{
		messages:  messages,
		summaries: summaries,
		sessions:  sessions,
		gen:       gen,
		cfg:       cfg,
		debug:     newDebugRing(200),
		now:       time.Now,
	}
}

// Latest fetches the most recent S4 and S60 rows for a session. The two
// lookups are independent, so they run concurrently via errgroup.
func (s *PGStore) Latest(ctx context.Context, sessionID string) (*model.SummaryFactBlock, error) {
	block := &model.SummaryFactBlock{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s4, err := s.summaries.LatestByLevel(gctx, sessionID, "s4")
		if err != nil {
			return fmt.Errorf("summary.Latest: s4: %w", err)
		}
		if s4 != nil {
			block.S4 = rowToFact(s4)
		}
		return nil
	})

	g.Go(func() error {
		s60, err := s.summaries.LatestByLevel(gctx, sessionID, "s60")
		if err != nil {
			return fmt.Errorf("summary.Latest: s60: %w", err)
		}
		if s60 != nil {
			block.S60 = rowToFact(s60)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return block, nil
}

// ListSummaries returns up to limit of the most recent rows for a session
// at the given cadence level, most recent first.
func (s *PGStore) ListSummaries(ctx context.Context, sessionID, level string, limit int) ([]model.SummaryRow, error) {
	rows, err := s.summaries.ListByLevel(ctx, sessionID, level, limit)
	if err != nil {
		return nil, fmt.Errorf("summary.ListSummaries: %w", err)
	}
	return rows, nil
}

// SessionExists reports whether a session has ever had a turn appended.
func (s *PGStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	exists, err := s.sessions.Exists(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("summary.SessionExists: %w", err)
	}
	return exists, nil
}

func rowToFact(row *model.SummaryRow) *model.SummaryFact {
	return &model.SummaryFact{
		Range:     [2]int{row.FromTurn, row.ToTurn},
		Summary:   row.SummaryJSON,
		CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		Model:     row.Model,
	}
}

// AppendTurn persists a user+assistant turn and, on cadence, fires the S4
// and/or S60 summarization runs in the background. It does not block on the
// summarization runs themselves.
func (s *PGStore) AppendTurn(ctx context.Context, turn model.ChatTurn) (int, error) {
	priorUserTurns, err := s.messages.CountUserTurns(ctx, turn.SessionID)
	if err != nil {
		return 0, fmt.Errorf("summary.AppendTurn: count: %w", err)
	}
	userTurn := priorUserTurns + 1
	threadID := cadenceString(turn.CadenceParams, "thread_id", "")
	memoryID := cadenceString(turn.CadenceParams, "memory_id", s.cfg.MemoryIDDefault)
	agentID := cadenceString(turn.CadenceParams, "agent_id", s.cfg.AgentIDDefault)
	now := s.now().UTC()

	if err := s.messages.Insert(ctx, &model.Message{
		SessionID: turn.SessionID,
		UserTurn:  userTurn,
		Role:      "user",
		Content:   turn.UserText,
		ThreadID:  threadID,
		MemoryID:  memoryID,
		AgentID:   agentID,
		CreatedAt: now,
	}); err != nil {
		return 0, fmt.Errorf("summary.AppendTurn: insert user message: %w", err)
	}
	assistantMsg := &model.Message{
		SessionID: turn.SessionID,
		UserTurn:  userTurn,
		Role:      "assistant",
		Content:   turn.AssistantText,
		ThreadID:  threadID,
		MemoryID:  memoryID,
		AgentID:   agentID,
		CreatedAt: now,
	}
	if err := s.messages.Insert(ctx, assistantMsg); err != nil {
		return 0, fmt.Errorf("summary.AppendTurn: insert assistant message: %w", err)
	}

	if s.cfg.S4EveryUserTurns > 0 && userTurn%s.cfg.S4EveryUserTurns == 0 {
		go s.runCadence(turn, "s4", userTurn, s.cfg.S4WindowUserTurns, threadID, memoryID, agentID)
	}
	if s.cfg.S60EveryUserTurns > 0 && userTurn%s.cfg.S60EveryUserTurns == 0 {
		go s.runCadence(turn, "s60", userTurn, s.cfg.S60WindowUserTurns, threadID, memoryID, agentID)
	}

	return assistantMsg.TurnID, nil
}

// runCadence runs one summarization pass. It is always invoked via `go` from
// AppendTurn, so it carries its own detached context: the request that
// triggered it may already have returned by the time this finishes.
func (s *PGStore) runCadence(turn model.ChatTurn, level string, toTurn, windowUserTurns int, threadID, memoryID, agentID string) {
	bgCtx := context.Background()

	fromTurn := toTurn - windowUserTurns + 1
	if fromTurn < 1 {
		fromTurn = 1
	}

	msgs, err := s.messages.RecentByUserTurnWindow(bgCtx, turn.SessionID, windowUserTurns)
	if err != nil {
		slog.Error("summary cadence: load window failed", "session_id", turn.SessionID, "level", level, "error", err)
		s.debug.push(map[string]any{"session_id": turn.SessionID, "event": "window_load_failed", "level": level, "error": err.Error()})
		return
	}
	turns := messagesToTurns(msgs, turn.ModelName)

	summaryJSON, err := s.gen.Summarize(bgCtx, level, turns)
	if err != nil {
		slog.Error("summary cadence: generation failed", "session_id", turn.SessionID, "level", level, "error", err)
		s.debug.push(map[string]any{"session_id": turn.SessionID, "event": "generation_failed", "level": level, "error": err.Error()})
		return
	}

	if !hasHelpSeekingCue(turns) {
		summaryJSON = stripSpeculativePhrases(summaryJSON)
	}
	if repaired, ok := mojibake.RepairValue(summaryJSON).(map[string]any); ok {
		summaryJSON = repaired
	}

	row := &model.SummaryRow{
		SessionID:      turn.SessionID,
		ScopeType:      scopeTypeSession,
		ThreadID:       threadID,
		MemoryID:       memoryID,
		AgentID:        agentID,
		SummaryVersion: s.cfg.SummaryVersion,
		FromTurn:       fromTurn,
		ToTurn:         toTurn,
		SummaryJSON:    summaryJSON,
		Model:          turn.ModelName,
		CreatedAt:      s.now().UTC(),
	}
	row.DedupeKey = DedupeKey(level, *row)

	inserted, err := s.summaries.InsertIfAbsent(bgCtx, level, row)
	if err != nil {
		slog.Error("summary cadence: persist failed", "session_id", turn.SessionID, "level", level, "error", err)
		s.debug.push(map[string]any{"session_id": turn.SessionID, "event": "persist_failed", "level": level, "error": err.Error()})
		return
	}

	event := "summary_persisted"
	if !inserted {
		event = "summary_skipped_duplicate"
	}
	s.debug.push(map[string]any{
		"session_id": turn.SessionID,
		"event":      event,
		"level":      level,
		"from_turn":  fromTurn,
		"to_turn":    toTurn,
		"dedupe_key": row.DedupeKey,
	})
}

// RecentDebugEvents returns the most recent debug events, optionally
// filtered to a session. Events recorded with no session_id always pass the
// filter, matching the collaborator's own diagnostic log.
func (s *PGStore) RecentDebugEvents(sessionID string, limit int) []map[string]any {
	return s.debug.recent(sessionID, limit)
}

// SetProactiveEnabled toggles whether a session receives proactive, unsolicited messages.
func (s *PGStore) SetProactiveEnabled(ctx context.Context, sessionID string, enabled bool) error {
	if err := s.sessions.SetProactiveEnabled(ctx, sessionID, enabled); err != nil {
		return fmt.Errorf("summary.SetProactiveEnabled: %w", err)
	}
	return nil
}

func cadenceString(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func messagesToTurns(msgs []model.Message, modelName string) []model.ChatTurn {
	turns := make([]model.ChatTurn, 0, len(msgs)/2+1)
	var pending *model.ChatTurn
	for _, m := range msgs {
		switch m.Role {
		case "user":
			if pending != nil {
				turns = append(turns, *pending)
			}
			pending = &model.ChatTurn{SessionID: m.SessionID, UserText: m.Content, ModelName: modelName}
		case "assistant":
			if pending == nil {
				pending = &model.ChatTurn{SessionID: m.SessionID, ModelName: modelName}
			}
			pending.AssistantText = m.Content
			turns = append(turns, *pending)
			pending = nil
		}
	}
	if pending != nil {
		turns = append(turns, *pending)
	}
	return turns
}

// DedupeKey builds the stable dedupe key for an S4/S60 summary row. level is
// "s4" or "s60".
func DedupeKey(level string, row model.SummaryRow) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d:v%d",
		level, row.ScopeType, row.ThreadID, row.MemoryID, row.AgentID, row.ToTurn, row.SummaryVersion)
}

// helpSeekingCues are phrases that, if present anywhere in the transcript,
// indicate the user is actually asking for help, so speculative
// financial-help phrasing in the generated summary is left alone.
var helpSeekingCues = []string{
	"怎么办", "怎么做", "帮我", "求助", "该怎么", "要不要", "可以帮", "能不能帮",
}

// speculativeFinancialPhrases are stripped from summary text when no
// help-seeking cue appears in the transcript, since the model should not be
// recording unsolicited financial recommendations as settled fact.
var speculativeFinancialPhrases = []string{
	"建议购买", "建议卖出", "建议投资", "建议加仓", "建议减仓", "建议配置",
	"推荐购买", "推荐卖出", "推荐投资", "可以考虑买入", "可以考虑卖出",
}

var sentenceRe = regexp.MustCompile(`[^。！？.!?\n]+[。！？.!?\n]*`)

func hasHelpSeekingCue(turns []model.ChatTurn) bool {
	for _, t := range turns {
		if containsAny(t.UserText, helpSeekingCues) {
			return true
		}
	}
	return false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func stripSpeculativePhrases(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = stripValue(val)
	}
	return out
}

func stripValue(v any) any {
	switch t := v.(type) {
	case string:
		return stripSentencesContaining(t, speculativeFinancialPhrases)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripValue(e)
		}
		return out
	case map[string]any:
		return stripSpeculativePhrases(t)
	default:
		return v
	}
}

func stripSentencesContaining(s string, phrases []string) string {
	sentences := sentenceRe.FindAllString(s, -1)
	if sentences == nil {
		return s
	}
	kept := make([]string, 0, len(sentences))
	for _, sent := range sentences {
		if containsAny(sent, phrases) {
			continue
		}
		kept = append(kept, sent)
	}
	return strings.TrimSpace(strings.Join(kept, ""))
}

// debugRing is a bounded FIFO of diagnostic events, mirroring a
// maxlen-bounded deque: once full, the oldest event is evicted on push.
type debugRing struct {
	mu     sync.Mutex
	cap    int
	events []map[string]any
}

func newDebugRing(capacity int) *debugRing {
	return &debugRing{cap: capacity, events: make([]map[string]any, 0, capacity)}
}

func (r *debugRing) push(fields map[string]any) {
	entry := map[string]any{"ts": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		entry[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, entry)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
}

// recent returns the last `limit` events, filtered to sessionID when
// sessionID is non-empty: an event with no session_id always passes the
// filter regardless.
func (r *debugRing) recent(sessionID string, limit int) []map[string]any {
	r.mu.Lock()
	items := make([]map[string]any, len(r.events))
	copy(items, r.events)
	r.mu.Unlock()

	if sessionID != "" {
		filtered := items[:0:0]
		for _, x := range items {
			sid, _ := x["session_id"].(string)
			if sid == "" || sid == sessionID {
				filtered = append(filtered, x)
			}
		}
		items = filtered
	}

	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

// LLMGenerator produces summary JSON via an injected LLM client under a
// strict prompt contract, one call per cadence level.
type LLMGenerator struct {
	client LLMClient
	model  string
}

// NewLLMGenerator creates an LLMGenerator.
func NewLLMGenerator(client LLMClient, modelName string) *LLMGenerator {
	return &LLMGenerator{client: client, model: modelName}
}

func (g *LLMGenerator) Summarize(ctx context.Context, level string, turns []model.ChatTurn) (map[string]any, error) {
	horizon := "the last few exchanges"
	if level == "s60" {
		horizon = "the full session so far"
	}

	system := fmt.Sprintf(
		"You summarize a chat transcript for internal memory, covering %s. "+
			"Reply with a single JSON object and nothing else, with exactly these keys: "+
			`"goal" (string), "state" (string), "open_loops" (array of strings), `+
			`"constraints" (array of strings), "tone_notes" (array of strings).`,
		horizon,
	)
	user := renderTranscript(turns)

	text, err := g.client.GenerateContent(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("summary.LLMGenerator.Summarize: %w", err)
	}

	return parseSummaryJSON(text), nil
}

func renderTranscript(turns []model.ChatTurn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.UserText != "" {
			b.WriteString("user: ")
			b.WriteString(t.UserText)
			b.WriteString("\n")
		}
		if t.AssistantText != "" {
			b.WriteString("assistant: ")
			b.WriteString(t.AssistantText)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// parseSummaryJSON extracts the JSON object from the model's reply, tolerant
// of a ```json fenced code block, and fills in any missing required field
// with its zero value rather than failing the whole summary.
func parseSummaryJSON(text string) map[string]any {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	out := map[string]any{}
	_ = json.Unmarshal([]byte(text), &out)

	if _, ok := out["goal"].(string); !ok {
		out["goal"] = ""
	}
	if _, ok := out["state"].(string); !ok {
		out["state"] = ""
	}
	for _, key := range []string{"open_loops", "constraints", "tone_notes"} {
		if _, ok := out[key].([]any); !ok {
			out[key] = []any{}
		}
	}
	return out
}
