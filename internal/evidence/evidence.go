// Package evidence scores, ranks, and deduplicates retrieval candidates
// from the keyword path, the vector path, and the summary/current-input
// path into a single ranked evidence list.
package evidence

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

// Fixed evidence-scoring weights; must sum to 1.0.
const (
	WeightKeyword = 0.40
	WeightVector  = 0.40
	WeightRecency = 0.10
	WeightType    = 0.10
)

func sourcePriority(sourceType string) int {
	switch sourceType {
	case "current_input":
		return 4
	case "s4":
		return 3
	case "s60":
		return 2
	default:
		return 1
	}
}

func typeBoost(sourceType string) float64 {
	switch sourceType {
	case "current_input":
		return 1.3
	case "s4":
		return 1.2
	case "s60":
		return 1.1
	case "keyword", "vector":
		return 1.0
	default:
		return 0.6
	}
}

func recencyScore(ts int64, now time.Time) float64 {
	if ts <= 0 {
		return 0.0
	}
	age := now.Unix() - ts
	if age < 0 {
		age = 0
	}
	const day = 86400
	switch {
	case age <= day:
		return 1.0
	case age <= 7*day:
		return 0.8
	case age <= 30*day:
		return 0.6
	default:
		return 0.3
	}
}

func safeFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return fallback
	}
}

func safeString(v any) string {
	s, _ := v.(string)
	return s
}

// Score computes score_final for every candidate, sorts by
// (score_final, source_priority, recency) descending, runs the two-stage
// deduplication pass, and returns at most topN records.
func Score(candidates []model.RawCandidate, topN int) []model.EvidenceRecord {
	now := time.Now()
	scored := make([]model.EvidenceRecord, 0, len(candidates))
	for idx, c := range candidates {
		raw := c.ScoreRaw
		raw.Recency = recencyScore(c.TS, now)
		raw.TypeBoost = typeBoost(c.SourceType)

		scoreFinal := WeightKeyword*raw.Keyword + WeightVector*raw.Vector +
			WeightRecency*raw.Recency + WeightType*raw.TypeBoost

		id := c.ID
		if id == "" {
			id = idFallback("ev", idx)
		}

		meta := model.EvidenceMeta{
			SourceName:     "anchor_rag",
			ChunkID:        c.ChunkID,
			SourcePriority: sourcePriority(c.SourceType),
			Extra:          c.Metadata,
		}

		scored = append(scored, model.EvidenceRecord{
			ID:         id,
			SourceType: c.SourceType,
			SourceID:   c.SourceID,
			Text:       c.Text,
			ScoreRaw:   raw,
			ScoreFinal: round6(scoreFinal),
			Reason:     c.Reason,
			TS:         c.TS,
			Meta:       meta,
		})
	}

	stableSortDescending(scored)

	n := topN
	if n < 1 {
		n = 1
	}
	return postprocess(scored, n)
}

func round6(f float64) float64 {
	const mult = 1e6
	return math.Round(f*mult) / mult
}

func idFallback(prefix string, idx int) string {
	return prefix + "_" + strconv.Itoa(idx)
}

// stableSortDescending sorts by (score_final, source_priority, recency)
// descending, preserving relative order of equal elements.
func stableSortDescending(records []model.EvidenceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ScoreFinal != b.ScoreFinal {
			return a.ScoreFinal > b.ScoreFinal
		}
		pa, pb := sourcePriority(a.SourceType), sourcePriority(b.SourceType)
		if pa != pb {
			return pa > pb
		}
		return a.ScoreRaw.Recency > b.ScoreRaw.Recency
	})
}
