package ratelimit

import (
	"context"
	"time"
)

// Limit is a sliding-window budget. Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// Enabled reports whether the limit constrains anything.
func (l *Limit) Enabled() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}

// Limits maps workflow ids to budgets. "*" applies to workflows without an
// entry of their own.
type Limits map[string]*Limit

// For returns the budget for a workflow, or nil.
func (ls Limits) For(workflowID string) *Limit {
	if l := ls[workflowID]; l != nil {
		return l
	}
	return ls["*"]
}

// Result is the outcome of one counter hit.
type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// Counter counts hits per key in a sliding window. A hit is recorded only
// when it is allowed.
type Counter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
}
