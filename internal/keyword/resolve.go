package keyword

// Resolve implements the GCB keyword resolution policy: if the supplied
// keyword is missing or garbled, derive one from text; if still empty,
// fall back to an emotional-tone pair chosen by whether text carries any
// emotional marker. repairEnabled gates the garbled-recovery branch.
func Resolve(suppliedKeyword, text string, repairEnabled bool) string {
	keyword := suppliedKeyword

	if keyword == "" || (repairEnabled && IsGarbled(keyword)) {
		derived := DeriveFromText(text, 2)
		if derived != "" {
			keyword = derived
		} else {
			keyword = ""
		}
	}

	if keyword == "" {
		if IsEmoChitchat(text) {
			keyword = "哥哥,小猫咪"
		} else {
			keyword = "哥哥,撒娇"
		}
	}

	return Normalize(keyword)
}
