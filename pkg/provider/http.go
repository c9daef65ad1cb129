package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pario-ai/switchboard/pkg/models"
	"golang.org/x/time/rate"
)

// Config defines an upstream provider.
// Type is "openai" (default) or "anthropic".
type Config struct {
	Name              string `yaml:"name"`
	Type              string `yaml:"type"`
	URL               string `yaml:"url"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// NewFromConfig builds an adapter for each configured provider.
func NewFromConfig(cfgs []Config) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		if c.Name == "" {
			return nil, errors.New("provider config: missing name")
		}
		if _, err := url.Parse(c.URL); err != nil || c.URL == "" {
			return nil, fmt.Errorf("provider %s: invalid url %q", c.Name, c.URL)
		}
		switch strings.ToLower(c.Type) {
		case "", "openai":
			r.Register(NewOpenAI(c))
		case "anthropic":
			r.Register(NewAnthropic(c))
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", c.Name, c.Type)
		}
	}
	return r, nil
}

// httpBase carries what both HTTP adapters share.
type httpBase struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPBase(c Config) httpBase {
	b := httpBase{
		name:    c.Name,
		baseURL: strings.TrimRight(c.URL, "/"),
		apiKey:  c.APIKey,
		client:  &http.Client{},
	}
	if c.RequestsPerMinute > 0 {
		burst := max(1, c.RequestsPerMinute/10)
		b.limiter = rate.NewLimiter(rate.Limit(float64(c.RequestsPerMinute)/60), burst)
	}
	return b
}

func (b *httpBase) Name() string { return b.name }

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// post throttles, sends body to path and returns the raw response.
func (b *httpBase) post(ctx context.Context, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, &Error{Provider: b.name, Kind: models.ErrTimeout, Err: fmt.Errorf("throttled: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: b.name, Kind: models.ErrInvalidRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		kind := Classify(err)
		if kind == models.ErrUnknown {
			kind = models.ErrTransient
		}
		return nil, &Error{Provider: b.name, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: b.name, Kind: models.ErrTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// errorBody is the union of the OpenAI and Anthropic error envelopes.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
	} `json:"usage"`
}

// statusError converts a non-2xx response into a classified *Error.
func (b *httpBase) statusError(res *upstreamResult) *Error {
	var eb errorBody
	_ = json.Unmarshal(res.body, &eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(res.body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}

	e := &Error{
		Provider:   b.name,
		Kind:       classifyStatus(res.statusCode, eb.Error.Type, fmt.Sprint(eb.Error.Code)),
		StatusCode: res.statusCode,
		Err:        errors.New(msg),
	}
	if eb.Usage != nil {
		u := models.Usage{
			PromptTokens:     eb.Usage.PromptTokens + eb.Usage.InputTokens,
			CompletionTokens: eb.Usage.CompletionTokens + eb.Usage.OutputTokens,
		}
		if u.Total() > 0 {
			e.Billable = true
			e.Usage = u
		}
	}
	return e
}

func classifyStatus(status int, errType, code string) models.ErrorKind {
	quota := strings.Contains(errType, "insufficient_quota") || strings.Contains(code, "insufficient_quota")
	switch {
	case status == http.StatusTooManyRequests && quota:
		return models.ErrQuota
	case status == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrAuth
	case status == http.StatusPaymentRequired || quota:
		return models.ErrQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return models.ErrInvalidRequest
	case status >= 500:
		return models.ErrTransient
	}
	return models.ErrUnknown
}
