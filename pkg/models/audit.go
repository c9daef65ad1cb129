package models

import "time"

// AuditQueryOpts specifies filters for querying audited attempts.
type AuditQueryOpts struct {
	Provider      string
	Model         string
	Kind          string
	CorrelationID string
	Since         time.Time
	Limit         int
}

// AuditStat holds aggregate attempt counts for a provider/day combination.
type AuditStat struct {
	Provider string
	Day      string
	Count    int
	Failures int
}
