package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome tags a ledger transaction.
type Outcome string

const (
	OutcomeOK            Outcome = "OK"
	OutcomeFail          Outcome = "FAIL"
	OutcomeRefunded      Outcome = "REFUNDED"
	OutcomePendingCommit Outcome = "PENDING_COMMIT"
)

// Charges reports whether the outcome advances scope spend.
func (o Outcome) Charges() bool {
	return o == OutcomeOK
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlation_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Scopes           []ScopeKey      `json:"scopes"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	Outcome          Outcome         `json:"outcome"`
	Flags            []string        `json:"flags,omitempty"`
}

// LedgerSummary aggregates transactions grouped by provider and model.
type LedgerSummary struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Outcome          Outcome         `json:"outcome"`
	Count            int             `json:"count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
}

// PendingCommit is a transaction whose ledger append could not be made
// durable after a provider success.
type PendingCommit struct {
	Transaction Transaction `json:"transaction"`
	Reason      string      `json:"reason"`
	QueuedAt    time.Time   `json:"queued_at"`
}
