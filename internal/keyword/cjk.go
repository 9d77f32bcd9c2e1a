package keyword

import (
	"regexp"
	"strings"
)

// cjkRunRe matches maximal runs of CJK Unified Ideographs (U+4E00..U+9FFF).
var cjkRunRe = regexp.MustCompile(`[\x{4e00}-\x{9fff}]+`)

// gcbStopTokens are emotional interjections/honorifics/filler words the
// gateway context builder ignores when deriving a keyword from free text,
// so it does not mistake a term of endearment for a retrieval topic.
var gcbStopTokens = map[string]struct{}{
	"哥哥": {}, "哥": {}, "类": {}, "神代": {}, "喵": {}, "猫咪": {}, "小猫咪": {},
	"宝宝": {}, "亲": {}, "抱": {}, "mua": {}, "啾": {}, "嘿嘿": {},
	"就是": {}, "然后": {}, "那个": {}, "这个": {}, "怎么": {}, "为什么": {},
	"可以": {}, "不要": {}, "不是": {},
}

// EmoMarkers are the emotional-tone tokens used to decide the emotional
// fallback keyword in the GCB keyword resolution policy.
var EmoMarkers = []string{
	"哥哥", "类", "喵", "猫咪", "小猫咪", "宝宝", "亲", "抱", "mua", "啾", "嘿嘿",
	"🥺", "😙", "😗", "😽", "😭", "🥰", "💖", "🖤",
}

// DeriveFromText locates maximal CJK runs in text, in order, skipping
// gcbStopTokens, requiring length >= 2, and keeps up to k unique entries
// joined with ",". Returns "" when none found.
func DeriveFromText(text string, k int) string {
	t := text
	if t == "" {
		return ""
	}
	seqs := cjkRunRe.FindAllString(t, -1)
	cands := make([]string, 0, k)
	seen := make(map[string]struct{})
	for _, s := range seqs {
		if s == "" {
			continue
		}
		if _, stop := gcbStopTokens[s]; stop {
			continue
		}
		if len([]rune(s)) < 2 {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		cands = append(cands, s)
		if len(cands) >= k {
			break
		}
	}
	if len(cands) == 0 {
		return ""
	}
	out := cands[0]
	for _, c := range cands[1:] {
		out += "," + c
	}
	return out
}

// IsEmoChitchat reports whether text contains any token from EmoMarkers,
// used to pick the emotional vs. neutral fallback keyword pair.
func IsEmoChitchat(text string) bool {
	if text == "" {
		return false
	}
	for _, m := range EmoMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
