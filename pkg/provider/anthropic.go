package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// Anthropic talks to the Anthropic /v1/messages API.
type Anthropic struct {
	httpBase
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(c Config) *Anthropic {
	return &Anthropic{httpBase: newHTTPBase(c)}
}

// Complete implements Adapter.
func (a *Anthropic) Complete(ctx context.Context, model string, req *models.Request) (*models.Response, error) {
	body := anthropicRequest{
		Model:       model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicMaxTokens
	}
	for _, m := range req.Messages {
		// System turns go in the top-level field.
		if m.Role == "system" {
			if body.System != "" {
				body.System += "\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: a.name, Kind: models.ErrInvalidRequest, Err: fmt.Errorf("encode request: %w", err)}
	}

	headers := map[string]string{"anthropic-version": anthropicVersion}
	if a.apiKey != "" {
		headers["x-api-key"] = a.apiKey
	}

	start := time.Now()
	res, err := a.post(ctx, "/v1/messages", headers, payload)
	if err != nil {
		return nil, err
	}
	if res.statusCode < 200 || res.statusCode >= 300 {
		return nil, a.statusError(res)
	}

	var out anthropicResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, &Error{Provider: a.name, Kind: models.ErrTransient, StatusCode: res.statusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	resp := &models.Response{
		Provider:     a.name,
		Model:        model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Latency:      time.Since(start),
	}
	if out.Usage != nil {
		resp.Usage = models.Usage{PromptTokens: out.Usage.InputTokens, CompletionTokens: out.Usage.OutputTokens}
	}
	return resp, nil
}
