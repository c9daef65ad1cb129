package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind is the kind of entity a budget applies to.
type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerProject OwnerKind = "project"
	OwnerTeam    OwnerKind = "team"
	OwnerGlobal  OwnerKind = "global"
)

// Order gives the global lock order of owner kinds.
func (k OwnerKind) Order() int {
	switch k {
	case OwnerUser:
		return 0
	case OwnerProject:
		return 1
	case OwnerTeam:
		return 2
	case OwnerGlobal:
		return 3
	}
	return 4
}

// ParseOwnerKind validates an owner kind.
func ParseOwnerKind(s string) (OwnerKind, error) {
	switch k := OwnerKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OwnerUser, OwnerProject, OwnerTeam, OwnerGlobal:
		return k, nil
	}
	return "", fmt.Errorf("unknown owner kind %q", s)
}

// UnmarshalText folds case and surrounding space so decoded kinds compare
// equal to the constants. Unknown kinds are left for validation.
func (k *OwnerKind) UnmarshalText(b []byte) error {
	*k = OwnerKind(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// Owner identifies who a dispatch is billed to.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// BudgetPeriod defines the window a budget limit applies to.
type BudgetPeriod string

const (
	PeriodHour  BudgetPeriod = "hour"
	PeriodDay   BudgetPeriod = "day"
	PeriodMonth BudgetPeriod = "month"
	PeriodTotal BudgetPeriod = "total"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (BudgetPeriod, error) {
	switch p := BudgetPeriod(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodHour, PeriodDay, PeriodMonth, PeriodTotal:
		return p, nil
	}
	return "", fmt.Errorf("unknown budget period %q", s)
}

// UnmarshalText folds case and surrounding space like OwnerKind.
func (p *BudgetPeriod) UnmarshalText(b []byte) error {
	*p = BudgetPeriod(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// Window returns the UTC-aligned window containing now. Total windows
// open at the zero time and never close (zero close time).
func (p BudgetPeriod) Window(now time.Time) (open, close time.Time) {
	now = now.UTC()
	switch p {
	case PeriodHour:
		open = now.Truncate(time.Hour)
		return open, open.Add(time.Hour)
	case PeriodDay:
		open = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return open, open.AddDate(0, 0, 1)
	case PeriodMonth:
		open = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return open, open.AddDate(0, 1, 0)
	}
	return time.Time{}, time.Time{}
}

// OverflowPolicy decides what happens when a hard limit would be crossed.
type OverflowPolicy string

const (
	OverflowDeny         OverflowPolicy = "deny"
	OverflowAllowAndFlag OverflowPolicy = "allow_and_flag"
)

// ScopeKey identifies one budget window series.
type ScopeKey struct {
	Kind    OwnerKind    `json:"kind"`
	OwnerID string       `json:"owner_id"`
	Period  BudgetPeriod `json:"period"`
}

func (k ScopeKey) String() string {
	return fmt.Sprintf("%s:%s/%s", k.Kind, k.OwnerID, k.Period)
}

// Owner returns the owner part of the key.
func (k ScopeKey) Owner() Owner {
	return Owner{Kind: k.Kind, ID: k.OwnerID}
}

// Less orders scope keys by kind, owner id, then period.
func (k ScopeKey) Less(o ScopeKey) bool {
	if k.Kind.Order() != o.Kind.Order() {
		return k.Kind.Order() < o.Kind.Order()
	}
	if k.OwnerID != o.OwnerID {
		return k.OwnerID < o.OwnerID
	}
	return k.Period < o.Period
}

// BudgetPolicy is a configured limit. Owner "*" matches every owner of Kind.
type BudgetPolicy struct {
	Kind     OwnerKind       `json:"kind" yaml:"kind"`
	Owner    string          `json:"owner" yaml:"owner"`
	Period   BudgetPeriod    `json:"period" yaml:"period"`
	Limit    decimal.Decimal `json:"limit" yaml:"limit"`
	WarnAt   float64         `json:"warn_at" yaml:"warn_at"`
	Overflow OverflowPolicy  `json:"overflow" yaml:"overflow"`
}

// Matches reports whether the policy applies to owner.
func (p BudgetPolicy) Matches(o Owner) bool {
	if p.Kind != o.Kind {
		return false
	}
	return p.Kind == OwnerGlobal || p.Owner == "*" || p.Owner == o.ID
}

// Window is the spend state of one scope for one window.
type Window struct {
	Scope  ScopeKey        `json:"scope"`
	Open   time.Time       `json:"open"`
	Close  time.Time       `json:"close"`
	Spend  decimal.Decimal `json:"spend"`
	Closed bool            `json:"closed"`
}

// BudgetStatus reports a scope's limit against its current window.
type BudgetStatus struct {
	Scope     ScopeKey        `json:"scope"`
	Limited   bool            `json:"limited"`
	Limit     decimal.Decimal `json:"limit"`
	Spend     decimal.Decimal `json:"spend"`
	Held      decimal.Decimal `json:"held"`
	Remaining decimal.Decimal `json:"remaining"`
	Open      time.Time       `json:"window_open"`
	Close     time.Time       `json:"window_close"`
}

// Decision is the outcome of a budget authorization.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionWarn  Decision = "WARN_AND_ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Severity orders decisions; higher is stricter.
func (d Decision) Severity() int {
	switch d {
	case DecisionWarn:
		return 1
	case DecisionDeny:
		return 2
	}
	return 0
}
