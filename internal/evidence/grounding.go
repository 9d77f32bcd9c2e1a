package evidence

import (
	"strings"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

// GroundingMode classifies how well the evidence list grounds a response:
// "none" when empty, "weak" when the top score is low and fewer than two
// records carry non-empty text, "strong" otherwise.
func GroundingMode(records []model.EvidenceRecord) string {
	if len(records) == 0 {
		return "none"
	}
	top1 := records[0].ScoreFinal
	validCount := 0
	for _, ev := range records {
		if strings.TrimSpace(ev.Text) != "" {
			validCount++
		}
	}
	if top1 < 0.45 && validCount < 2 {
		return "weak"
	}
	return "strong"
}
