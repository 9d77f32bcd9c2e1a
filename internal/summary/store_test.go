package summary

import (
	"context"
	"testing"

	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

type fakeMessageRepo struct {
	msgs []model.Message
}

func (r *fakeMessageRepo) Insert(ctx context.Context, msg *model.Message) error {
	msg.TurnID = len(r.msgs) + 1
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *fakeMessageRepo) CountUserTurns(ctx context.Context, sessionID string) (int, error) {
	count := 0
	for _, m := range r.msgs {
		if m.SessionID == sessionID && m.Role == "user" {
			count++
		}
	}
	return count, nil
}

func (r *fakeMessageRepo) RecentByUserTurnWindow(ctx context.Context, sessionID string, windowUserTurns int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range r.msgs {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeSummaryRow struct {
	row   model.SummaryRow
	level string
}

type fakeSummaryRepo struct {
	rows    map[string]*fakeSummaryRow
	inserts int
}

func newFakeSummaryRepo() *fakeSummaryRepo {
	return &fakeSummaryRepo{rows: map[string]*fakeSummaryRow{}}
}

func (r *fakeSummaryRepo) LatestByLevel(ctx context.Context, sessionID, level string) (*model.SummaryRow, error) {
	var latest *model.SummaryRow
	for _, entry := range r.rows {
		if entry.row.SessionID == sessionID && entry.level == level {
			if latest == nil || entry.row.ToTurn > latest.ToTurn {
				latest = &entry.row
			}
		}
	}
	return latest, nil
}

func (r *fakeSummaryRepo) ListByLevel(ctx context.Context, sessionID, level string, limit int) ([]model.SummaryRow, error) {
	var out []model.SummaryRow
	for _, entry := range r.rows {
		if entry.row.SessionID == sessionID && entry.level == level {
			out = append(out, entry.row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeSummaryRepo) InsertIfAbsent(ctx context.Context, level string, row *model.SummaryRow) (bool, error) {
	if _, exists := r.rows[row.DedupeKey]; exists {
		return false, nil
	}
	r.rows[row.DedupeKey] = &fakeSummaryRow{row: *row, level: level}
	r.inserts++
	return true, nil
}

type fakeSessionFlagRepo struct {
	enabled map[string]bool
	seen    map[string]bool
}

func (r *fakeSessionFlagRepo) Exists(ctx context.Context, sessionID string) (bool, error) {
	return r.seen[sessionID], nil
}

func (r *fakeSessionFlagRepo) SetProactiveEnabled(ctx context.Context, sessionID string, enabled bool) error {
	if r.enabled == nil {
		r.enabled = map[string]bool{}
	}
	r.enabled[sessionID] = enabled
	return nil
}

type fakeGenerator struct {
	summary map[string]any
}

func (g *fakeGenerator) Summarize(ctx context.Context, level string, turns []model.ChatTurn) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range g.summary {
		out[k] = v
	}
	return out, nil
}

func testCfg() *config.Config {
	return &config.Config{
		S4EveryUserTurns:   2,
		S60EveryUserTurns:  4,
		S4WindowUserTurns:  2,
		S60WindowUserTurns: 4,
		SummaryVersion:     1,
		MemoryIDDefault:    "mem-default",
		AgentIDDefault:     "agent-default",
	}
}

func TestDedupeKey(t *testing.T) {
	row := model.SummaryRow{ScopeType: "session", ThreadID: "t1", MemoryID: "m1", AgentID: "a1", ToTurn: 4, SummaryVersion: 2}
	got := DedupeKey("s4", row)
	want := "s4:session:t1:m1:a1:4:v2"
	if got != want {
		t.Errorf("DedupeKey = %q, want %q", got, want)
	}
}

func TestStripSpeculativePhrasesWhenNoHelpCue(t *testing.T) {
	turns := []model.ChatTurn{{UserText: "今天天气不错"}}
	if hasHelpSeekingCue(turns) {
		t.Fatal("expected no help-seeking cue")
	}
	in := map[string]any{"state": "用户情绪平稳。建议购买一些蓝筹股。之后继续聊天。"}
	out := stripSpeculativePhrases(in)
	state := out["state"].(string)
	if containsAny(state, speculativeFinancialPhrases) {
		t.Errorf("speculative phrase survived: %q", state)
	}
	if !containsAny(state, []string{"用户情绪平稳"}) {
		t.Errorf("unrelated sentence was dropped: %q", state)
	}
}

func TestStripSpeculativePhrasesKeepsThemWithHelpCue(t *testing.T) {
	turns := []model.ChatTurn{{UserText: "我该怎么办，该不该买入？"}}
	if !hasHelpSeekingCue(turns) {
		t.Fatal("expected help-seeking cue to be detected")
	}
}

func TestDebugRingFiltersBySessionAndKeepsUnscoped(t *testing.T) {
	r := newDebugRing(200)
	r.push(map[string]any{"session_id": "s1", "event": "a"})
	r.push(map[string]any{"session_id": "s2", "event": "b"})
	r.push(map[string]any{"event": "c"}) // no session_id: always passes

	got := r.recent("s1", 10)
	if len(got) != 2 {
		t.Fatalf("recent = %+v, want 2 events", got)
	}
}

func TestDebugRingEvictsOldest(t *testing.T) {
	r := newDebugRing(3)
	for i := 0; i < 5; i++ {
		r.push(map[string]any{"i": i})
	}
	got := r.recent("", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0]["i"] != 2 {
		t.Errorf("oldest surviving event = %+v, want i=2", got[0])
	}
}

func TestAppendTurn_PersistsUserAndAssistantMessages(t *testing.T) {
	messages := &fakeMessageRepo{}
	summaries := newFakeSummaryRepo()
	sessions := &fakeSessionFlagRepo{}
	gen := &fakeGenerator{summary: map[string]any{"goal": "g", "state": "s", "open_loops": []any{}, "constraints": []any{}, "tone_notes": []any{}}}
	store := New(messages, summaries, sessions, gen, testCfg())

	if _, err := store.AppendTurn(context.Background(), model.ChatTurn{SessionID: "sess1", UserText: "hi", AssistantText: "hello"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if _, err := store.AppendTurn(context.Background(), model.ChatTurn{SessionID: "sess1", UserText: "hi2", AssistantText: "hello2"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	if len(messages.msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(messages.msgs))
	}
}
