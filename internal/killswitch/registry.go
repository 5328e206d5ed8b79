package killswitch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/model"
)

// Registry answers "is this action halted?" and manages switch lifecycle.
type Registry struct {
	store  Store
	ledger *ledger.Ledger
	authz  *authz.Authorizer
	log    zerolog.Logger
	now    func() time.Time

	// mu serializes activation so one scope target has at most one active switch.
	mu sync.Mutex
}

// NewRegistry wires a Registry. Use SetClock in tests.
func NewRegistry(store Store, l *ledger.Ledger, az *authz.Authorizer, log zerolog.Logger) *Registry {
	return &Registry{store: store, ledger: l, authz: az, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// IsBlocked checks GLOBAL, TENANT, WORKFLOW, CAPABILITY and CONNECTOR in that
// order and returns the first active switch that blocks the action, or nil.
// A store error is returned as-is; callers must treat it as blocked.
func (r *Registry) IsBlocked(ctx context.Context, targets model.Targets, readOnly bool) (*Switch, error) {
	for _, scope := range model.ScopeOrder {
		target := targets.For(scope)
		if target == "" {
			continue
		}
		sw, err := r.store.FindActive(ctx, scope, target)
		if err != nil {
			return nil, fmt.Errorf("killswitch: lookup %s/%s: %w", scope, target, err)
		}
		if sw != nil && sw.Blocks(readOnly) {
			return sw, nil
		}
	}
	return nil, nil
}

// Activate turns on a switch. If the scope target already has an active
// switch with an equal or stricter effect, that switch is returned unchanged
// and no event is written. A stricter request escalates the existing switch
// in place.
func (r *Registry) Activate(ctx context.Context, actor model.Actor, req ActivateRequest) (*Switch, error) {
	if err := r.authz.Require(actor, authz.PermKillSwitch); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "killswitch.activate", "kill_switch", string(req.Scope)+":"+req.Target, err)
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.FindActive(ctx, req.Scope, req.Target)
	if err != nil {
		return nil, fmt.Errorf("killswitch: lookup: %w", err)
	}
	if existing != nil {
		if !req.Effect.Stricter(existing.Effect) {
			return existing, nil
		}
		return r.escalate(ctx, actor, existing, req)
	}

	sw := &Switch{
		ID:          "ks-" + uuid.NewString(),
		Scope:       req.Scope,
		Target:      req.Target,
		Effect:      req.Effect,
		Active:      true,
		Reason:      strings.TrimSpace(req.Reason),
		IncidentID:  req.IncidentID,
		ActivatedBy: actor.ID,
		ActivatedAt: r.now().UTC(),
	}
	if err := r.store.Create(ctx, sw); err != nil {
		return nil, fmt.Errorf("killswitch: create: %w", err)
	}

	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:        ledger.KindKillSwitchActivated,
		Description: fmt.Sprintf("kill switch activated on %s %s", sw.Scope, sw.Target),
		Actor:       actor,
		Outcome:     ledger.OutcomeSuccess,
		Context: map[string]string{
			"scope":       string(sw.Scope),
			"target":      sw.Target,
			"effect":      string(sw.Effect),
			"reason":      sw.Reason,
			"incident_id": sw.IncidentID,
		},
		ResourceType: "kill_switch",
		ResourceID:   sw.ID,
	})
	if err != nil {
		// No state change without an event. Every gate already denies while
		// the ledger is failing, so the rollback does not open anything.
		if derr := r.store.Delete(ctx, sw.ID); derr != nil {
			r.log.Error().Err(derr).Str("switch", sw.ID).Msg("kill switch rollback failed")
		}
		return nil, err
	}

	r.log.Warn().
		Str("switch", sw.ID).
		Str("scope", string(sw.Scope)).
		Str("target", sw.Target).
		Str("effect", string(sw.Effect)).
		Str("actor", actor.ID).
		Msg("kill switch activated")
	r.refreshGauge(ctx)
	return sw, nil
}

// escalate raises the effect of an active switch. Callers hold r.mu.
func (r *Registry) escalate(ctx context.Context, actor model.Actor, sw *Switch, req ActivateRequest) (*Switch, error) {
	prev := *sw
	sw.Effect = req.Effect
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		sw.Reason = reason
	}
	if req.IncidentID != "" {
		sw.IncidentID = req.IncidentID
	}
	if err := r.store.Update(ctx, sw); err != nil {
		return nil, fmt.Errorf("killswitch: update: %w", err)
	}

	_, err := r.ledger.Append(ctx, ledger.Draft{
		Kind:        ledger.KindKillSwitchActivated,
		Description: fmt.Sprintf("kill switch escalated on %s %s", sw.Scope, sw.Target),
		Actor:       actor,
		Outcome:     ledger.OutcomeSuccess,
		Context: map[string]string{
			"scope":          string(sw.Scope),
			"target":         sw.Target,
			"effect":         string(sw.Effect),
			"escalated_from": string(prev.Effect),
			"reason":         sw.Reason,
			"incident_id":    sw.IncidentID,
		},
		ResourceType: "kill_switch",
		ResourceID:   sw.ID,
	})
	if err != nil {
		if uerr := r.store.Update(ctx, &prev); uerr != nil {
			r.log.Error().Err(uerr).Str("switch", sw.ID).Msg("kill switch rollback failed")
		}
		return nil, err
	}

	r.log.Warn().
		Str("switch", sw.ID).
		Str("from", string(prev.Effect)).
		Str("effect", string(sw.Effect)).
		Str("actor", actor.ID).
		Msg("kill switch escalated")
	return sw, nil
}

// Deactivate turns off an active switch.
func (r *Registry) Deactivate(ctx context.Context, actor model.Actor, id, notes string) (*Switch, error) {
	if err := r.authz.Require(actor, authz.PermKillSwitch); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "killswitch.deactivate", "kill_switch", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sw, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("killswitch: get %s: %w", id, err)
	}
	if !sw.Active {
		return nil, &model.TransitionError{Entity: "kill switch", From: "INACTIVE", Op: "deactivate"}
	}

	prev := *sw
	now := r.now().UTC()
	sw.Active = false
	sw.DeactivatedBy = actor.ID
	sw.DeactivatedAt = &now
	sw.Notes = notes
	if err := r.store.Update(ctx, sw); err != nil {
		return nil, fmt.Errorf("killswitch: update: %w", err)
	}

	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindKillSwitchDeactivated,
		Description:  fmt.Sprintf("kill switch deactivated on %s %s", sw.Scope, sw.Target),
		Actor:        actor,
		Outcome:      ledger.OutcomeSuccess,
		Context:      map[string]string{"scope": string(sw.Scope), "target": sw.Target, "notes": notes},
		ResourceType: "kill_switch",
		ResourceID:   sw.ID,
	})
	if err != nil {
		if uerr := r.store.Update(ctx, &prev); uerr != nil {
			r.log.Error().Err(uerr).Str("switch", sw.ID).Msg("kill switch rollback failed")
		}
		return nil, err
	}

	r.log.Info().Str("switch", sw.ID).Str("actor", actor.ID).Msg("kill switch deactivated")
	r.refreshGauge(ctx)
	return sw, nil
}

// Get returns one switch.
func (r *Registry) Get(ctx context.Context, id string) (*Switch, error) {
	return r.store.Get(ctx, id)
}

// List returns switches ordered by activation time.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]Switch, error) {
	return r.store.List(ctx, activeOnly)
}

func (r *Registry) refreshGauge(ctx context.Context) {
	active, err := r.store.List(ctx, true)
	if err != nil {
		return
	}
	metrics.SetActiveKillSwitches(len(active))
}
