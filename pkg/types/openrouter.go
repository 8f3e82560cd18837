// Package types defines the wire shapes exchanged with the OpenRouter API
// and the payload types returned by the gateway operations.
package types

// Model describes one entry from the OpenRouter model-listing endpoint.
// Snapshots are immutable once fetched; the catalog replaces them wholesale.
type Model struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ContextLength int           `json:"context_length"`
	Pricing       Pricing       `json:"pricing"`
	TopProvider   *TopProvider  `json:"top_provider,omitempty"`
	Architecture  *Architecture `json:"architecture,omitempty"`
}

// Pricing holds per-token prices as decimal strings, the way OpenRouter
// reports them. "0" on both fields marks a free model.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// TopProvider carries provider-reported serving metadata.
type TopProvider struct {
	MaxCompletionTokens *int `json:"max_completion_tokens,omitempty"`
}

// Architecture carries model architecture metadata.
type Architecture struct {
	Modality     string `json:"modality"`
	InstructType string `json:"instruct_type,omitempty"`
	Tokenizer    string `json:"tokenizer,omitempty"`
}

// Free reports whether the model is usable on the free tier: either the id
// carries the ":free" suffix or both pricing fields are zero.
func (m Model) Free() bool {
	if len(m.ID) > 5 && m.ID[len(m.ID)-5:] == ":free" {
		return true
	}
	return m.Pricing.Prompt == "0" && m.Pricing.Completion == "0"
}

// ModelsResponse is the body of GET /api/v1/models.
type ModelsResponse struct {
	Data []Model `json:"data"`
}

// Message is a role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/v1/chat/completions. The Models array
// (not a single model field) enables OpenRouter's server-side fallback: the
// provider picks the first listed model it can serve.
type ChatRequest struct {
	Models           []string  `json:"models"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens"`
	TopP             float64   `json:"top_p,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
}

// ChatResponse is the chat-completion response body. Model names the model
// that actually answered, which may differ from any requested id when the
// provider fell back server-side.
type ChatResponse struct {
	ID      string    `json:"id,omitempty"`
	Model   string    `json:"model,omitempty"`
	Choices []Choice  `json:"choices,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
}

// Choice is one completion candidate.
type Choice struct {
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// APIError is the error object OpenRouter embeds in otherwise-2xx bodies.
type APIError struct {
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the text of the first choice, or "" when absent.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content
}
