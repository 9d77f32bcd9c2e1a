package model

// SummaryFact is one half ("s4" or "s60") of a Summary Fact Block consumed
// by the Gateway Context Builder as a source of fact constraints.
type SummaryFact struct {
	Range     [2]int         `json:"range"`
	Summary   map[string]any `json:"summary"`
	CreatedAt string         `json:"created_at"`
	Model     string         `json:"model"`
}

// SummaryFactBlock bundles the short- and long-horizon summaries passed
// into gateway_ctx's "summaries" argument.
type SummaryFactBlock struct {
	S4  *SummaryFact `json:"s4,omitempty"`
	S60 *SummaryFact `json:"s60,omitempty"`
}

// ChatTurn is the paired exchange PO hands to the Summarization Engine
// after a turn completes.
type ChatTurn struct {
	SessionID     string
	UserText      string
	AssistantText string
	ModelName     string
	CadenceParams map[string]any
}
