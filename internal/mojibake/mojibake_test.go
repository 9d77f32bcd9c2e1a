package mojibake

import (
	"encoding/json"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

// mojibakify simulates what produced the corrupted text in the first
// place: the original's UTF-8 bytes decoded through a single-byte codec.
func mojibakify(original string, codec *charmap.Charmap) string {
	decoded, err := codec.NewDecoder().String(original)
	if err != nil {
		panic(err)
	}
	return decoded
}

func TestRepair_NonRegression(t *testing.T) {
	cases := []string{
		"",
		"hello world",
		"投资组合风险敞口",
		"plain ascii text with no markers at all",
		// No markerRunes, no C1 controls, but a length-2 run of Latin-1
		// Supplement letters (U+00D8, U+00A1) — badLatinRuns alone must
		// not be enough to trigger a rewrite.
		"Ø¡",
	}
	for _, c := range cases {
		if got := Repair(c); got != c {
			t.Errorf("Repair(%q) = %q, want unchanged", c, got)
		}
	}
}

func TestRepair_FixedPoint(t *testing.T) {
	// Latin-1 is a total bijection over all 256 byte values, so this
	// round-trip is always exactly reversible; CP1252 leaves five byte
	// values unassigned and isn't guaranteed to be.
	originals := []string{
		"投资组合风险敞口",
		"你好，世界",
		"市场波动较大，请注意风险",
	}
	for _, original := range originals {
		garbled := mojibakify(original, charmap.ISO8859_1)
		got := Repair(garbled)
		if got != original {
			t.Errorf("Repair(mojibakify(%q)) = %q, want %q", original, got, original)
		}
	}
}

func TestRepair_StripsC1Controls(t *testing.T) {
	s := "helloworld"
	got := Repair(s)
	if got != "helloworld" {
		t.Errorf("Repair(with C1 control) = %q, want %q", got, "helloworld")
	}
}

func TestRepairJSON_RecursesIntoStrings(t *testing.T) {
	original := "你好"
	garbled := mojibakify(original, charmap.ISO8859_1)
	raw := json.RawMessage(`{"goal":"` + garbled + `","open_loops":["` + garbled + `"]}`)

	out := RepairJSON(raw)

	var v map[string]any
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("RepairJSON produced invalid JSON: %v", err)
	}
	if v["goal"] != original {
		t.Errorf("goal = %q, want %q", v["goal"], original)
	}
	loops, ok := v["open_loops"].([]any)
	if !ok || len(loops) != 1 || loops[0] != original {
		t.Errorf("open_loops = %v, want [%q]", v["open_loops"], original)
	}
}

func TestRepairJSON_InvalidJSONReturnedUnchanged(t *testing.T) {
	raw := json.RawMessage(`not json`)
	out := RepairJSON(raw)
	if string(out) != string(raw) {
		t.Errorf("RepairJSON(invalid) = %q, want unchanged %q", out, raw)
	}
}
