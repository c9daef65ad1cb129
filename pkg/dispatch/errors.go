package dispatch

import (
	"fmt"
	"strings"

	"github.com/pario-ai/switchboard/pkg/models"
)

// Kind is a terminal dispatch error kind.
type Kind string

const (
	KindNoEligibleModel    Kind = "NoEligibleModel"
	KindBudgetExceeded     Kind = "BudgetExceeded"
	KindAllProvidersFailed Kind = "AllProvidersFailed"
	KindCallerError        Kind = "CallerError"
	KindDispatchTimeout    Kind = "DispatchTimeout"
	KindConfiguration      Kind = "ConfigurationError"
	KindCanceled           Kind = "Canceled"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNoEligibleModel    = &Error{Kind: KindNoEligibleModel}
	ErrBudgetExceeded     = &Error{Kind: KindBudgetExceeded}
	ErrAllProvidersFailed = &Error{Kind: KindAllProvidersFailed}
	ErrCallerError        = &Error{Kind: KindCallerError}
	ErrDispatchTimeout    = &Error{Kind: KindDispatchTimeout}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrCanceled           = &Error{Kind: KindCanceled}
)

// Error is the only error type Dispatch returns.
type Error struct {
	Kind Kind
	// Scope is the denying scope for KindBudgetExceeded.
	Scope    models.ScopeKey
	Detail   string
	Attempts []models.Attempt
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Kind == KindBudgetExceeded && e.Scope.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Scope)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Attempts) > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", len(e.Attempts))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, detail string, attempts []models.Attempt, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Attempts: attempts, Err: err}
}
