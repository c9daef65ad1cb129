package models

import "time"

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral inference request.
type Request struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`

	// Token shape used for pricing and context-window checks.
	PromptTokens             int     `json:"prompt_tokens,omitempty"`
	ExpectedCompletionTokens int     `json:"expected_completion_tokens,omitempty"`
	Images                   int     `json:"images,omitempty"`
	AudioSeconds             float64 `json:"audio_seconds,omitempty"`
}

// EstimatedPromptTokens returns PromptTokens, or a rough chars/4 count of
// the message text when the caller did not supply one.
func (r *Request) EstimatedPromptTokens() int {
	if r.PromptTokens > 0 {
		return r.PromptTokens
	}
	n := len(r.System)
	for _, m := range r.Messages {
		n += len(m.Content) + len(m.Role)
	}
	return (n + 3) / 4
}

// CompletionBudget returns the completion tokens to price for.
func (r *Request) CompletionBudget() int {
	if r.ExpectedCompletionTokens > 0 {
		return r.ExpectedCompletionTokens
	}
	return r.MaxTokens
}

// Usage holds token counts reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Response is a provider-neutral inference result.
type Response struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
}
