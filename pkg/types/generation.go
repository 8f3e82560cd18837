package types

// Prompt is the caller-assembled content for one generation. The gateway
// treats both fields as opaque strings; templating lives with the caller.
type Prompt struct {
	System string
	User   string
}

// QuestionsPayload is the structured output of the questions operation.
type QuestionsPayload struct {
	Questions [3]string `json:"questions"`
}

// Divergence contrasts what the sender intended with what a recipient heard.
type Divergence struct {
	Intended   string `json:"intended"`
	Received   string `json:"received"`
	GapSummary string `json:"gapSummary"`
}

// Theme is a recurring pattern across recipient responses.
type Theme struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

// OverlayPayload is the structured output of the overlay operation.
type OverlayPayload struct {
	Divergences []Divergence `json:"divergences"`
	Themes      []Theme      `json:"themes"`
	FollowUp    string       `json:"followUp"`
}

// Generation is the success envelope for a structured operation. Exactly one
// of the two cases holds: Value carries the parsed payload, or Value is nil
// and the caller must fall back to Raw, the verbatim provider text. Raw is
// populated in both cases so callers can always display something.
type Generation[T any] struct {
	Value *T
	Raw   string
}

// IsRaw reports whether the structured parse failed and only Raw is usable.
func (g Generation[T]) IsRaw() bool { return g.Value == nil }
