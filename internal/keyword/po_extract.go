package keyword

import (
	"regexp"
	"strings"
)

// poStopwords filters filler words and pronouns out of candidate keyword
// tokens extracted from the last user message by the Proxy Orchestrator.
var poStopwords = map[string]struct{}{
	"我": {}, "你": {}, "他": {}, "她": {}, "它": {}, "我们": {}, "你们": {}, "他们": {}, "她们": {},
	"的": {}, "了": {}, "啊": {}, "呀": {}, "呢": {}, "吧": {}, "吗": {}, "喵": {}, "哥哥": {}, "小猫咪": {}, "小命": {},
	"就是": {}, "但是": {}, "然后": {}, "所以": {}, "因为": {}, "如果": {}, "能不能": {}, "怎么": {},
	"这个": {}, "那个": {}, "现在": {}, "今天": {}, "明天": {}, "刚才": {}, "感觉": {}, "有点": {},
	"接着": {}, "拿起": {}, "提前": {}, "给": {}, "当是": {}, "好啊": {}, "嗯": {}, "唉呀": {}, "呜": {},
}

var poEmoPatRe = regexp.MustCompile(`[\x{1F602}\x{1F923}\x{1F62D}\x{1F97A}\x{1F619}\x{1F617}\x{1F638}\x{1F63A}\x{1F63F}\x{1F63D}\x{1F4A6}\x{1F496}\x{1F495}\x{2764}\x{FE0F}\x{2728}\x{1F3AD}\x{1F5A4}]+`)

var poTechPatRe = regexp.MustCompile(`(?i)(uvicorn|python|notion|dify|mcp|rag|api|http|db|sql|error|bug|traceback|token|stream|openrouter|rikkahub|telegram)`)

var poSmalltalkTokens = []string{"哥哥", "猫咪", "小猫咪", "小命", "宝宝", "在吗", "早安", "晚安", "嘿嘿", "喵"}
var poWarmthTokens = []string{"想你", "抱抱", "亲亲", "贴贴", "陪我", "我回来啦", "我来啦", "我走啦", "加油", "辛苦啦"}

// poLongCNSeparators splits an over-long CJK run into smaller candidate
// phrases before stopword filtering, mirroring the proxy's own splitter.
var poLongCNSeparators = []string{
	"，", "。", "！", "？", "…", "～", "—", "(", ")", "（", "）", " ", "\n",
	"又", "接着", "拿起", "就当", "当是", "今天", "提前", "给", "好啊", "于是", "然后", "所以", "但是", "因为", "不过",
}

// IsSmalltalkEmotion reports whether text reads as small talk or emotional
// chitchat rather than a technical/informational query.
func IsSmalltalkEmotion(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	if poTechPatRe.MatchString(t) {
		return false
	}
	if utf8RuneCount(t) <= 18 {
		for _, m := range poSmalltalkTokens {
			if strings.Contains(t, m) {
				return true
			}
		}
	}
	if len(poEmoPatRe.FindAllString(t, -1)) >= 2 {
		return true
	}
	if strings.Count(t, "~") >= 2 || strings.Count(t, "…") >= 2 {
		return true
	}
	if strings.Count(t, "喵") >= 2 || strings.Count(t, "嘿嘿") >= 2 {
		return true
	}
	for _, m := range poWarmthTokens {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

func utf8RuneCount(s string) int {
	return len([]rune(s))
}

func splitLongCN(seq string) []string {
	s := seq
	for _, sep := range poLongCNSeparators {
		s = strings.ReplaceAll(s, sep, "|")
	}
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExtractPO extracts up to k retrieval keywords from the last user text,
// applying the small-talk/technical-token routing and the CJK candidate
// pipeline from the proxy's own (independent) keyword extraction pass.
// A sentinel token ("猫咪") is guaranteed to appear in the non-empty,
// non-smalltalk result so the anchor persona always has a stable anchor.
func ExtractPO(text string, k int) string {
	if text == "" {
		return "猫咪,哥哥"
	}
	if IsSmalltalkEmotion(text) {
		return "撒娇,哥哥"
	}

	cnSeqs := cjkMinLen2Re.FindAllString(text, -1)
	cand := make([]string, 0, 8)
	seen := make(map[string]struct{})
	for _, seq := range cnSeqs {
		var parts []string
		if utf8RuneCount(seq) > 6 {
			parts = splitLongCN(seq)
		} else {
			parts = []string{seq}
		}
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, stop := poStopwords[p]; stop {
				continue
			}
			n := utf8RuneCount(p)
			if n < 2 || n > 6 {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			cand = append(cand, p)
		}
	}

	if len(cand) == 0 {
		return "猫咪,哥哥"
	}

	picked := cand
	if len(picked) > k {
		picked = picked[:k]
	}
	hasSentinel := false
	for _, p := range picked {
		if p == "猫咪" {
			hasSentinel = true
			break
		}
	}
	if !hasSentinel && k >= 1 {
		if len(picked) >= k {
			picked = picked[:k-1]
		}
		picked = append(picked, "猫咪")
	}
	return strings.Join(picked, ",")
}

var cjkMinLen2Re = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,}`)
