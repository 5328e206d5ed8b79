package review

import (
	"context"
	"time"
)

// Kind distinguishes what produced a review item.
type Kind string

const (
	// KindBreakGlassUse is opened the first time a break-glass grant bypasses a gate.
	KindBreakGlassUse Kind = "BREAK_GLASS_USE"
	// KindPolicyReview is opened when a REQUIRE_REVIEW policy holds an action.
	KindPolicyReview Kind = "POLICY_REVIEW"
)

// Status represents the state of a review item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusClosed   Status = "closed"
	StatusExpired  Status = "expired"
)

// Item is one mandatory follow-up.
type Item struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Subject     string     `json:"subject"`
	Reason      string     `json:"reason"`
	PolicyID    string     `json:"policy_id,omitempty"`
	GrantID     string     `json:"grant_id,omitempty"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Open reports whether the item still blocks or awaits action.
func (i *Item) Open() bool {
	return i.Status == StatusPending || i.Status == StatusApproved
}

// Store persists review items by key. Put replaces any existing item with
// the same key.
type Store interface {
	Put(ctx context.Context, item *Item) error
	// Get returns model.ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) (*Item, error)
	// List filters by status; empty status returns everything.
	List(ctx context.Context, status Status) ([]Item, error)
}
