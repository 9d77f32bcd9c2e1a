package evidence

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

// AdaptKeyword maps raw keyword-retrieval hits (arbitrary JSON objects)
// to the unified candidate schema, carrying their score as score_raw.keyword.
func AdaptKeyword(raw []map[string]any) []model.RawCandidate {
	now := time.Now().Unix()
	out := make([]model.RawCandidate, 0, len(raw))
	for idx, item := range raw {
		score := safeFloat(item["score"], 1.0)
		id := safeString(item["id"])
		if id == "" {
			id = "kw_" + strconv.Itoa(idx)
		}
		sourceID := safeString(item["source_id"])
		if sourceID == "" {
			sourceID = safeString(item["keyword"])
		}
		reason := safeString(item["reason"])
		if reason == "" {
			reason = "keyword_hit"
		}
		ts := int64(safeFloat(item["ts"], float64(now)))

		out = append(out, model.RawCandidate{
			ID:         id,
			SourceType: "keyword",
			SourceID:   sourceID,
			Text:       safeString(item["text"]),
			ChunkID:    safeString(item["chunk_id"]),
			Metadata:   asMetadata(item["metadata"]),
			Reason:     reason,
			TS:         ts,
			ScoreRaw:   model.ScoreRaw{Keyword: score},
		})
	}
	return out
}

// AdaptVector maps raw vector-retrieval hits to the unified schema,
// carrying their score as score_raw.vector.
func AdaptVector(raw []map[string]any) []model.RawCandidate {
	now := time.Now().Unix()
	out := make([]model.RawCandidate, 0, len(raw))
	for idx, item := range raw {
		docID := firstNonEmptyField(item, "doc_id", "document_id", "id")
		chunkID := firstNonEmptyField(item, "chunk_id", "segment_id")
		text := firstNonEmptyField(item, "text", "content")
		score := safeFloat(item["score"], 0.0)
		reason := safeString(item["reason"])
		if reason == "" {
			reason = "vector_hit"
		}
		ts := int64(safeFloat(item["ts"], float64(now)))

		out = append(out, model.RawCandidate{
			ID:         "vec_" + strconv.Itoa(idx),
			SourceType: "vector",
			SourceID:   docID,
			Text:       text,
			ChunkID:    chunkID,
			Metadata:   asMetadata(item["metadata"]),
			Reason:     reason,
			TS:         ts,
			ScoreRaw:   model.ScoreRaw{Vector: score},
		})
	}
	return out
}

// BuildSummaryCandidates builds the current-input and S4/S60 summary
// candidates, which always carry a zero keyword/vector raw score and
// rely entirely on recency + type_boost weighting.
func BuildSummaryCandidates(summaries model.SummaryFactBlock, text string) []model.RawCandidate {
	now := time.Now().Unix()
	out := make([]model.RawCandidate, 0, 3)

	if text != "" {
		out = append(out, model.RawCandidate{
			ID:         "input_0",
			SourceType: "current_input",
			SourceID:   "current_input",
			Text:       text,
			Metadata:   map[string]any{"source_name": "gateway_input"},
			Reason:     "当前输入事实优先",
			TS:         now,
		})
	}

	if summaries.S4 != nil && len(summaries.S4.Summary) > 0 {
		out = append(out, summaryCandidate("s4", summaries.S4))
	}
	if summaries.S60 != nil && len(summaries.S60.Summary) > 0 {
		out = append(out, summaryCandidate("s60", summaries.S60))
	}
	return out
}

// summaryCandidate builds a candidate from a non-empty summary fact; callers
// must skip facts with an empty Summary map before calling this.
func summaryCandidate(sourceType string, fact *model.SummaryFact) model.RawCandidate {
	text := stringifySummary(fact.Summary)
	return model.RawCandidate{
		ID:         sourceType + "_0",
		SourceType: sourceType,
		SourceID:   sourceType,
		Text:       text,
		Metadata: map[string]any{
			"source_name": "memory_summary",
			"range":       fact.Range,
			"model":       fact.Model,
		},
		Reason: "来自" + sourceType + "的事实约束",
		TS:     parseISOTimestamp(fact.CreatedAt),
	}
}

// stringifySummary stringifies a summary fact block for use as candidate
// text. A literal "text" string key is used verbatim if present; otherwise
// the whole map is serialized so goal/state/open_loops/constraints/
// tone_notes all contribute, matching the original's str(dict) behavior
// instead of dropping every field but goal.
func stringifySummary(summary map[string]any) string {
	if v, ok := summary["text"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(b)
}

func parseISOTimestamp(createdAt string) int64 {
	if createdAt == "" {
		return time.Now().Unix()
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		return t.Unix()
	}
	return time.Now().Unix()
}

func firstNonEmptyField(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := safeString(item[k]); s != "" {
			return s
		}
	}
	return ""
}

func asMetadata(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
