package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
)

// Queue manages pending reviews and their resolution.
type Queue struct {
	store  Store
	ledger *ledger.Ledger
	authz  *authz.Authorizer
	now    func() time.Time
	mu     sync.Mutex
}

// NewQueue wires a Queue.
func NewQueue(store Store, l *ledger.Ledger, az *authz.Authorizer) *Queue {
	return &Queue{store: store, ledger: l, authz: az, now: time.Now}
}

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Request opens a pending item for item.Key. If an open or denied item
// already exists under the key it is returned unchanged; consumed, closed
// and expired items are replaced by a fresh pending one.
func (q *Queue) Request(ctx context.Context, item Item) (*Item, error) {
	if strings.TrimSpace(item.Key) == "" {
		return nil, &model.ValidationError{Field: "key", Msg: "required"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.current(ctx, item.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.Open() || existing.Status == StatusDenied) {
		return existing, nil
	}

	item.ID = "rv-" + uuid.NewString()
	item.Status = StatusPending
	item.CreatedAt = q.now().UTC()
	item.ExpiresAt = nil
	item.ResolvedAt = nil
	item.ResolvedBy = ""
	item.Notes = ""
	if err := q.store.Put(ctx, &item); err != nil {
		return nil, fmt.Errorf("review: put %s: %w", item.Key, err)
	}
	return &item, nil
}

// Get returns the item under key with approval expiry applied.
func (q *Queue) Get(ctx context.Context, key string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.current(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrNotFound
	}
	return it, nil
}

// current loads key and flips a lapsed approval to expired. Returns nil, nil
// for unknown keys. Caller holds q.mu.
func (q *Queue) current(ctx context.Context, key string) (*Item, error) {
	it, err := q.store.Get(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("review: get %s: %w", key, err)
	}
	if it.Status == StatusApproved && it.ExpiresAt != nil && !q.now().Before(*it.ExpiresAt) {
		it.Status = StatusExpired
		if err := q.store.Put(ctx, it); err != nil {
			return nil, fmt.Errorf("review: expire %s: %w", key, err)
		}
	}
	return it, nil
}

// Approve resolves a pending policy review. ttl > 0 keeps the approval
// usable until it lapses; ttl == 0 makes it single-use.
func (q *Queue) Approve(ctx context.Context, actor model.Actor, key, notes string, ttl time.Duration) (*Item, error) {
	return q.resolve(ctx, actor, key, notes, StatusApproved, ttl)
}

// Deny resolves a pending policy review negatively.
func (q *Queue) Deny(ctx context.Context, actor model.Actor, key, notes string) (*Item, error) {
	return q.resolve(ctx, actor, key, notes, StatusDenied, 0)
}

func (q *Queue) resolve(ctx context.Context, actor model.Actor, key, notes string, to Status, ttl time.Duration) (*Item, error) {
	if err := q.authz.Require(actor, authz.PermReview); err != nil {
		return nil, q.ledger.AdminDenied(ctx, actor, "review.resolve", "review", key, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.current(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("review: %s: %w", key, model.ErrNotFound)
	}
	if it.Kind == KindBreakGlassUse {
		return nil, &model.ValidationError{Field: "key", Msg: "break-glass reviews are completed through the break-glass registry"}
	}
	if it.Status != StatusPending {
		return nil, &model.TransitionError{Entity: "review", From: string(it.Status), Op: string(to)}
	}
	if it.RequestedBy == actor.ID {
		return nil, &model.AuthorizationError{ActorID: actor.ID, Reason: "cannot resolve a review of one's own action"}
	}

	prev := *it
	now := q.now().UTC()
	it.Status = to
	it.ResolvedAt = &now
	it.ResolvedBy = actor.ID
	it.Notes = notes
	if ttl > 0 {
		exp := now.Add(ttl)
		it.ExpiresAt = &exp
	}
	if err := q.store.Put(ctx, it); err != nil {
		return nil, fmt.Errorf("review: put %s: %w", key, err)
	}

	outcome := ledger.OutcomeSuccess
	if to == StatusDenied {
		outcome = ledger.OutcomeDenied
	}
	_, err = q.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindReviewResolved,
		Description:  fmt.Sprintf("review %s %s", key, to),
		Actor:        actor,
		Outcome:      outcome,
		Context:      map[string]string{"key": key, "decision": string(to), "policy_id": it.PolicyID, "notes": notes},
		ResourceType: "review",
		ResourceID:   it.ID,
	})
	if err != nil {
		_ = q.store.Put(ctx, &prev)
		return nil, err
	}
	return it, nil
}

// Approved reports whether key holds a usable approval.
func (q *Queue) Approved(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.current(ctx, key)
	if err != nil || it == nil {
		return false, err
	}
	return it.Status == StatusApproved, nil
}

// Consume spends a single-use approval. Time-boxed approvals stay approved
// until they lapse.
func (q *Queue) Consume(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.current(ctx, key)
	if err != nil {
		return err
	}
	if it == nil || it.Status != StatusApproved {
		return fmt.Errorf("review: %s is not approved", key)
	}
	if it.ExpiresAt != nil {
		return nil
	}
	it.Status = StatusConsumed
	now := q.now().UTC()
	it.ResolvedAt = &now
	if err := q.store.Put(ctx, it); err != nil {
		return fmt.Errorf("review: consume %s: %w", key, err)
	}
	return nil
}

// Close marks an item closed. Used by registries that own their own
// resolution rules and events.
func (q *Queue) Close(ctx context.Context, key, by, notes string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.current(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("review: %s: %w", key, model.ErrNotFound)
	}
	now := q.now().UTC()
	it.Status = StatusClosed
	it.ResolvedAt = &now
	it.ResolvedBy = by
	it.Notes = notes
	if err := q.store.Put(ctx, it); err != nil {
		return nil, fmt.Errorf("review: close %s: %w", key, err)
	}
	return it, nil
}

// List returns items with the given status, or all when status is empty.
func (q *Queue) List(ctx context.Context, status Status) ([]Item, error) {
	return q.store.List(ctx, status)
}

// PolicyKey is the queue key for a REQUIRE_REVIEW hold.
func PolicyKey(policyID, fingerprint string) string {
	return "policy:" + policyID + ":" + fingerprint
}

// BreakGlassKey is the queue key for a grant's mandatory review.
func BreakGlassKey(grantID string) string {
	return "breakglass:" + grantID
}
