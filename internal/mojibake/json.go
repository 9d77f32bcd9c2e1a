package mojibake

import "encoding/json"

// RepairJSON decodes raw into a generic value, repairs every string leaf
// with Repair, and re-encodes it. Invalid JSON is returned unchanged.
func RepairJSON(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	repaired := RepairValue(v)
	out, err := json.Marshal(repaired)
	if err != nil {
		return raw
	}
	return out
}

// RepairValue recursively repairs every string leaf of an already-decoded
// JSON value (string/[]any/map[string]any, as produced by encoding/json).
func RepairValue(v any) any {
	return repairValue(v)
}

func repairValue(v any) any {
	switch t := v.(type) {
	case string:
		return Repair(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = repairValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = repairValue(e)
		}
		return out
	default:
		return v
	}
}
