package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

// Decision is the rate-limit verdict for one action.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	Reason  string
}

// Limiter applies per-workflow budgets to (tenant, workflow, capability)
// windows.
type Limiter struct {
	limits  atomic.Pointer[Limits]
	counter Counter
	now     func() time.Time
}

// NewLimiter builds a Limiter. A nil counter selects the in-memory one.
func NewLimiter(limits Limits, counter Counter) *Limiter {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	l := &Limiter{counter: counter, now: time.Now}
	l.SetLimits(limits)
	return l
}

// SetClock overrides the time source.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// SetLimits swaps the budget table.
func (l *Limiter) SetLimits(limits Limits) {
	if limits == nil {
		limits = Limits{}
	}
	l.limits.Store(&limits)
}

// Check records a hit against the action's (tenant, workflow, capability)
// window.
// Lookup order: limits[workflow] then limits["*"]; no entry means no limit.
func (l *Limiter) Check(ctx context.Context, ac model.ActionContext) (Decision, error) {
	limit := (*l.limits.Load()).For(ac.WorkflowID)
	if !limit.Enabled() {
		return Decision{Allowed: true}, nil
	}

	key := ac.TenantID + ":" + ac.WorkflowID + ":" + ac.CapabilityID
	res, err := l.counter.Allow(ctx, key, limit.MaxRequests, limit.Window, l.now())
	if err != nil {
		return Decision{}, err
	}
	if res.Allowed {
		return Decision{Allowed: true, Count: res.Count, Limit: res.Limit}, nil
	}
	return Decision{
		Count: res.Count,
		Limit: res.Limit,
		Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window for workflow %s capability %q",
			res.Count, res.Limit, limit.Window, ac.WorkflowID, ac.CapabilityID),
	}, nil
}
