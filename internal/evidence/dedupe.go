package evidence

import (
	"regexp"
	"sort"
	"strings"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

var nonWordRe = regexp.MustCompile(`[\p{Z}\p{P}\p{S}\p{C}_]+`)
var tokenRe = regexp.MustCompile(`[a-z0-9]+|[\x{4e00}-\x{9fff}]`)

func normalizeTextForDedupe(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ""
	}
	t = nonWordRe.ReplaceAllString(t, " ")
	fields := strings.Fields(t)
	return strings.Join(fields, " ")
}

func tokenizeForJaccard(text string) map[string]struct{} {
	nt := normalizeTextForDedupe(text)
	set := make(map[string]struct{})
	if nt == "" {
		return set
	}
	for _, tok := range tokenRe.FindAllString(nt, -1) {
		set[tok] = struct{}{}
	}
	if len(set) == 0 {
		for _, tok := range strings.Fields(nt) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union <= 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

func dupPayload(ev model.EvidenceRecord) model.DuplicatePayload {
	return model.DuplicatePayload{
		ID:         ev.ID,
		SourceType: ev.SourceType,
		SourceID:   ev.SourceID,
		ChunkID:    ev.Meta.ChunkID,
		ScoreFinal: ev.ScoreFinal,
		Reason:     ev.Reason,
	}
}

// mergeDuplicate keeps whichever of kept/incoming has the higher
// score_final and appends the loser's compressed payload onto the
// keeper's meta.duplicates.
func mergeDuplicate(kept, incoming model.EvidenceRecord) model.EvidenceRecord {
	keeper, dup := kept, incoming
	if incoming.ScoreFinal > kept.ScoreFinal {
		keeper, dup = incoming, kept
	}
	keeper.Meta.Duplicates = append(append([]model.DuplicatePayload{}, keeper.Meta.Duplicates...), dupPayload(dup))
	return keeper
}

type sourceChunkKey struct {
	sourceID string
	chunkID  string
}

// postprocess runs the two-stage deduplication (exact source_id+chunk_id,
// then text Jaccard near-duplicate) and returns the top-n by score_final.
func postprocess(scored []model.EvidenceRecord, topN int) []model.EvidenceRecord {
	bySourceChunk := make([]model.EvidenceRecord, 0, len(scored))
	keyIndex := make(map[sourceChunkKey]int, len(scored))
	for _, ev := range scored {
		key := sourceChunkKey{sourceID: ev.SourceID, chunkID: ev.Meta.ChunkID}
		if idx, ok := keyIndex[key]; ok {
			bySourceChunk[idx] = mergeDuplicate(bySourceChunk[idx], ev)
			continue
		}
		keyIndex[key] = len(bySourceChunk)
		bySourceChunk = append(bySourceChunk, ev)
	}

	deduped := make([]model.EvidenceRecord, 0, len(bySourceChunk))
	tokenSets := make([]map[string]struct{}, 0, len(bySourceChunk))
	for _, ev := range bySourceChunk {
		curTokens := tokenizeForJaccard(ev.Text)
		dupIdx := -1
		for i, seen := range tokenSets {
			if jaccardSimilarity(curTokens, seen) > 0.9 {
				dupIdx = i
				break
			}
		}
		if dupIdx == -1 {
			deduped = append(deduped, ev)
			tokenSets = append(tokenSets, curTokens)
			continue
		}
		merged := mergeDuplicate(deduped[dupIdx], ev)
		deduped[dupIdx] = merged
		tokenSets[dupIdx] = tokenizeForJaccard(merged.Text)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].ScoreFinal > deduped[j].ScoreFinal
	})
	if len(deduped) > topN {
		deduped = deduped[:topN]
	}
	return deduped
}
