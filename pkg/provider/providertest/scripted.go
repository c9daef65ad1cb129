// Package providertest provides a scripted provider adapter for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/pario-ai/switchboard/pkg/provider"
)

// Step is one scripted outcome.
type Step struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Kind             models.ErrorKind
	Billable         bool
	Delay            time.Duration
}

// OK scripts a successful completion.
func OK(content string, prompt, completion int) Step {
	return Step{Content: content, PromptTokens: prompt, CompletionTokens: completion}
}

// Fail scripts a failure of the given kind.
func Fail(kind models.ErrorKind) Step {
	return Step{Kind: kind}
}

// Hang scripts a call that only returns when its context ends.
func Hang() Step {
	return Step{Delay: time.Hour}
}

// Call records one invocation.
type Call struct {
	Model   string
	Request *models.Request
}

// Scripted replays steps in order; the last step repeats once the
// script runs out. With no steps every call succeeds.
type Scripted struct {
	name string

	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New creates a scripted adapter.
func New(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// Name implements provider.Adapter.
func (s *Scripted) Name() string { return s.name }

// Calls returns the invocations so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Complete implements provider.Adapter.
func (s *Scripted) Complete(ctx context.Context, model string, req *models.Request) (*models.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Model: model, Request: req})
	step := OK("ok", 10, 10)
	if len(s.steps) > 0 {
		step = s.steps[0]
		if len(s.steps) > 1 {
			s.steps = s.steps[1:]
		}
	}
	s.mu.Unlock()

	start := time.Now()
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, &provider.Error{Provider: s.name, Kind: models.ErrTimeout, Err: ctx.Err()}
		case <-t.C:
		}
	}

	if step.Kind != "" {
		e := &provider.Error{Provider: s.name, Kind: step.Kind, Err: errors.New("scripted " + string(step.Kind))}
		if step.Billable {
			e.Billable = true
			e.Usage = models.Usage{PromptTokens: step.PromptTokens, CompletionTokens: step.CompletionTokens}
		}
		return nil, e
	}
	return &models.Response{
		Provider:     s.name,
		Model:        model,
		Content:      step.Content,
		FinishReason: "stop",
		Usage:        models.Usage{PromptTokens: step.PromptTokens, CompletionTokens: step.CompletionTokens},
		Latency:      time.Since(start),
	}, nil
}
