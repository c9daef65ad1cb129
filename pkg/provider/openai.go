package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// OpenAI talks to any OpenAI-compatible /v1/chat/completions endpoint.
type OpenAI struct {
	httpBase
}

// NewOpenAI creates an OpenAI-compatible adapter.
func NewOpenAI(c Config) *OpenAI {
	return &OpenAI{httpBase: newHTTPBase(c)}
}

// Complete implements Adapter.
func (a *OpenAI) Complete(ctx context.Context, model string, req *models.Request) (*models.Response, error) {
	body := chatCompletionRequest{Model: model, Temperature: req.Temperature}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		body.MaxTokens = &n
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: a.name, Kind: models.ErrInvalidRequest, Err: fmt.Errorf("encode request: %w", err)}
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}

	start := time.Now()
	res, err := a.post(ctx, "/v1/chat/completions", headers, payload)
	if err != nil {
		return nil, err
	}
	if res.statusCode < 200 || res.statusCode >= 300 {
		return nil, a.statusError(res)
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, &Error{Provider: a.name, Kind: models.ErrTransient, StatusCode: res.statusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Provider: a.name, Kind: models.ErrTransient, StatusCode: res.statusCode, Err: fmt.Errorf("response has no choices")}
	}

	resp := &models.Response{
		Provider:     a.name,
		Model:        model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Latency:      time.Since(start),
	}
	if out.Usage != nil {
		resp.Usage = models.Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens}
	}
	return resp, nil
}
