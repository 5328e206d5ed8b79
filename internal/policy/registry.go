package policy

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
)

// Registry owns the persisted policy set and keeps the Evaluator snapshot
// in step with it.
type Registry struct {
	store     Store
	evaluator *Evaluator
	ledger    *ledger.Ledger
	authz     *authz.Authorizer
	log       zerolog.Logger
	now       func() time.Time
	mu        sync.Mutex
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, ev *Evaluator, l *ledger.Ledger, az *authz.Authorizer, log zerolog.Logger) *Registry {
	return &Registry{store: store, evaluator: ev, ledger: l, authz: az, log: log, now: time.Now}
}

// Evaluator returns the evaluator this registry refreshes.
func (r *Registry) Evaluator() *Evaluator { return r.evaluator }

// Refresh reloads the evaluator snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh(ctx)
}

func (r *Registry) refresh(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("policy: list: %w", err)
	}
	r.evaluator.Load(all)
	return nil
}

// Upsert creates or replaces a policy.
func (r *Registry) Upsert(ctx context.Context, actor model.Actor, p Policy) (*Policy, error) {
	if err := r.authz.Require(actor, authz.PermPolicyAdmin); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "policy.upsert", "policy", p.ID, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsert(ctx, actor, p, "")
}

func (r *Registry) upsert(ctx context.Context, actor model.Actor, p Policy, source string) (*Policy, error) {
	p.UpdatedAt = r.now().UTC()
	p.UpdatedBy = actor.ID
	if err := r.store.Upsert(ctx, &p); err != nil {
		return nil, fmt.Errorf("policy: upsert %s: %w", p.ID, err)
	}
	evCtx := map[string]string{
		"outcome":  string(p.Outcome),
		"priority": strconv.Itoa(p.Priority),
		"active":   strconv.FormatBool(p.Active),
	}
	if source != "" {
		evCtx["source"] = source
	}
	if _, err := r.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindPolicyUpserted,
		Description:  fmt.Sprintf("policy %s upserted", p.ID),
		Actor:        actor,
		Outcome:      ledger.OutcomeSuccess,
		Context:      evCtx,
		ResourceType: "policy",
		ResourceID:   p.ID,
	}); err != nil {
		return nil, err
	}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	r.log.Info().Str("policy", p.ID).Str("actor", actor.ID).Msg("policy upserted")
	return &p, nil
}

// Deactivate disables a policy without removing it.
func (r *Registry) Deactivate(ctx context.Context, actor model.Actor, id string) (*Policy, error) {
	if err := r.authz.Require(actor, authz.PermPolicyAdmin); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "policy.deactivate", "policy", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("policy: get %s: %w", id, err)
	}
	if !p.Active {
		return p, nil
	}
	p.Active = false
	p.UpdatedAt = r.now().UTC()
	p.UpdatedBy = actor.ID
	if err := r.store.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("policy: upsert %s: %w", id, err)
	}
	if _, err := r.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindPolicyDeactivated,
		Description:  fmt.Sprintf("policy %s deactivated", id),
		Actor:        actor,
		Outcome:      ledger.OutcomeSuccess,
		ResourceType: "policy",
		ResourceID:   id,
	}); err != nil {
		return nil, err
	}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Import applies policies from a file as the system actor. Only policies
// that differ from the stored version are written and recorded. It returns
// the number of policies changed.
func (r *Registry) Import(ctx context.Context, policies []Policy, hash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, p := range policies {
		cur, err := r.store.Get(ctx, p.ID)
		if err == nil && samePolicy(cur, &p) {
			continue
		}
		if _, err := r.upsert(ctx, model.SystemActor, p, hash); err != nil {
			return changed, err
		}
		changed++
	}
	if changed == 0 {
		if err := r.refresh(ctx); err != nil {
			return 0, err
		}
	}
	return changed, nil
}

func samePolicy(a, b *Policy) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Outcome == b.Outcome &&
		a.Priority == b.Priority &&
		a.Active == b.Active &&
		reflect.DeepEqual(a.Rule, b.Rule)
}

// Get returns one policy.
func (r *Registry) Get(ctx context.Context, id string) (*Policy, error) {
	return r.store.Get(ctx, id)
}

// List returns every stored policy, active or not.
func (r *Registry) List(ctx context.Context) ([]Policy, error) {
	return r.store.List(ctx)
}
