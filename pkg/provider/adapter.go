// Package provider defines the contract every LLM provider adapter meets
// and ships HTTP adapters for OpenAI-compatible and Anthropic APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/pario-ai/switchboard/pkg/models"
)

// Adapter calls one provider. Complete must honour ctx cancellation and
// deadline, and report failures as *Error where the kind is known.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, model string, req *models.Request) (*models.Response, error)
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       models.ErrorKind
	StatusCode int
	// Billable is set when the provider charged for the failed call.
	Billable bool
	Usage    models.Usage
	Err      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the error kind of err. Errors that are not *Error are
// classified by shape: deadlines are timeouts, network errors transient.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return models.ErrTimeout
		}
		return models.ErrTransient
	}
	return models.ErrUnknown
}

// BillableUsage reports whether err carries a provider charge.
func BillableUsage(err error) (models.Usage, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Billable {
		return pe.Usage, true
	}
	return models.Usage{}, false
}

// Registry maps provider names to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a Registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Names lists registered providers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
