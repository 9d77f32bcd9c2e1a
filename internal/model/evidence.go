package model

import "encoding/json"

// ScoreRaw holds the four raw component scores that feed EvidenceRecord.ScoreFinal.
type ScoreRaw struct {
	Keyword    float64 `json:"keyword"`
	Vector     float64 `json:"vector"`
	Recency    float64 `json:"recency"`
	TypeBoost  float64 `json:"type_boost"`
}

// DuplicatePayload is the compressed record of a peer merged into a keeper
// during evidence postprocessing.
type DuplicatePayload struct {
	ID          string  `json:"id"`
	SourceType  string  `json:"source_type"`
	SourceID    string  `json:"source_id"`
	ChunkID     string  `json:"chunk_id"`
	ScoreFinal  float64 `json:"score_final"`
	Reason      string  `json:"reason"`
}

// EvidenceMeta carries passthrough metadata plus postprocessing bookkeeping.
type EvidenceMeta struct {
	SourceName     string             `json:"source_name"`
	ChunkID        string             `json:"chunk_id,omitempty"`
	SourcePriority int                `json:"source_priority"`
	Duplicates     []DuplicatePayload `json:"duplicates,omitempty"`
	Extra          map[string]any     `json:"-"`
}

// MarshalJSON flattens Extra alongside the fixed fields, mirroring the
// original's dict-literal-plus-spread construction: an Extra key with
// the same name as a fixed field wins, matching Python's "**metadata
// spread last" precedence.
func (m EvidenceMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	out["source_name"] = m.SourceName
	if m.ChunkID != "" {
		out["chunk_id"] = m.ChunkID
	}
	out["source_priority"] = m.SourcePriority
	if len(m.Duplicates) > 0 {
		out["duplicates"] = m.Duplicates
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// EvidenceRecord is the unified output shape of the evidence scorer (C2),
// per the Evidence Record data model.
type EvidenceRecord struct {
	ID         string       `json:"id"`
	SourceType string       `json:"source_type"`
	SourceID   string       `json:"source_id"`
	Text       string       `json:"text"`
	ScoreRaw   ScoreRaw     `json:"score_raw"`
	ScoreFinal float64      `json:"score_final"`
	Reason     string       `json:"reason"`
	TS         int64        `json:"ts"`
	Meta       EvidenceMeta `json:"meta"`
}

// RawCandidate is the pre-adaptation shape produced by keyword, vector, and
// summary/current-input sources before EvidenceRecord unification.
type RawCandidate struct {
	ID         string
	SourceType string
	SourceID   string
	Text       string
	ChunkID    string
	Metadata   map[string]any
	Reason     string
	TS         int64
	ScoreRaw   ScoreRaw
}
