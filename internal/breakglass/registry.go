package breakglass

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/review"
)

// Limits bound grant windows.
type Limits struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
}

// Registry issues, resolves and reviews break-glass grants.
type Registry struct {
	store  Store
	ledger *ledger.Ledger
	authz  *authz.Authorizer
	queue  *review.Queue
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewRegistry wires a Registry. Zero limits select the package defaults.
func NewRegistry(store Store, l *ledger.Ledger, az *authz.Authorizer, q *review.Queue, limits Limits, log zerolog.Logger) *Registry {
	if limits.DefaultDuration <= 0 {
		limits.DefaultDuration = DefaultDuration
	}
	if limits.MaxDuration <= 0 {
		limits.MaxDuration = MaxDuration
	}
	return &Registry{store: store, ledger: l, authz: az, queue: q, limits: limits, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Grant issues emergency access. Justification is mandatory and the window
// may not exceed the configured ceiling.
func (r *Registry) Grant(ctx context.Context, actor model.Actor, req GrantRequest) (*Grant, error) {
	if err := r.authz.Require(actor, authz.PermBreakGlass); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "breakglass.grant", "break_glass", req.Requester, err)
	}

	if strings.TrimSpace(req.Justification) == "" {
		return nil, &model.ValidationError{Field: "justification", Msg: "break-glass justification is required"}
	}
	scope, err := model.ParseScope(string(req.Scope))
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(req.Target)
	if scope == model.ScopeGlobal {
		target = model.GlobalTarget
	} else if target == "" {
		return nil, &model.ValidationError{Field: "target", Msg: "required"}
	}
	category, err := parseReasonCategory(req.ReasonCategory)
	if err != nil {
		return nil, err
	}
	duration := req.Duration
	if duration <= 0 {
		duration = r.limits.DefaultDuration
	}
	if duration > r.limits.MaxDuration {
		return nil, &model.ValidationError{
			Field: "duration",
			Msg:   fmt.Sprintf("break-glass duration %s exceeds maximum %s", duration, r.limits.MaxDuration),
		}
	}
	requester := strings.TrimSpace(req.Requester)
	if requester == "" {
		requester = actor.ID
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	g := &Grant{
		ID:             id,
		Requester:      requester,
		GrantedBy:      actor.ID,
		Scope:          scope,
		Target:         target,
		Justification:  strings.TrimSpace(req.Justification),
		ReasonCategory: category,
		IncidentID:     req.IncidentID,
		GrantedAt:      now,
		ExpiresAt:      now.Add(duration),
		ReviewRequired: true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("breakglass: create: %w", err)
	}
	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:        ledger.KindBreakGlassGranted,
		Description: fmt.Sprintf("break-glass granted to %s on %s %s", g.Requester, g.Scope, g.Target),
		Actor:       actor,
		Outcome:     ledger.OutcomeSuccess,
		Context: map[string]string{
			"requester":       g.Requester,
			"scope":           string(g.Scope),
			"target":          g.Target,
			"justification":   g.Justification,
			"reason_category": string(g.ReasonCategory),
			"incident_id":     g.IncidentID,
			"expires_at":      g.ExpiresAt.Format(time.RFC3339),
		},
		ResourceType: "break_glass",
		ResourceID:   g.ID,
	})
	if err != nil {
		// Leave the grant unusable rather than unrecorded.
		g.RevokedAt = &now
		g.RevokedBy = model.SystemActor.ID
		if uerr := r.store.Update(ctx, g); uerr != nil {
			r.log.Error().Err(uerr).Str("grant", g.ID).Msg("break-glass rollback failed")
		}
		return nil, err
	}

	r.log.Warn().
		Str("grant", g.ID).
		Str("requester", g.Requester).
		Str("scope", string(g.Scope)).
		Str("target", g.Target).
		Time("expires_at", g.ExpiresAt).
		Msg("break-glass granted")
	return g, nil
}

// IsActive returns the grant that lets actorID bypass policy for the given
// targets, checking scopes broadest first, or nil. Expired grants seen during
// the lookup are recorded as expired once.
func (r *Registry) IsActive(ctx context.Context, targets model.Targets, actorID string) (*Grant, error) {
	open, err := r.store.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("breakglass: list: %w", err)
	}

	now := r.now()
	var live []Grant
	for i := range open {
		g := &open[i]
		if now.Before(g.ExpiresAt) {
			live = append(live, *g)
			continue
		}
		if err := r.recordExpiry(ctx, g.ID); err != nil {
			return nil, err
		}
	}

	for _, scope := range model.ScopeOrder {
		target := targets.For(scope)
		if target == "" {
			continue
		}
		for i := range live {
			g := live[i]
			if g.Scope == scope && g.Target == target && g.Requester == actorID {
				return &g, nil
			}
		}
	}
	return nil, nil
}

func (r *Registry) recordExpiry(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("breakglass: get %s: %w", id, err)
	}
	if g.ExpiryRecorded || g.RevokedAt != nil {
		return nil
	}
	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:        ledger.KindBreakGlassExpired,
		Description: fmt.Sprintf("break-glass grant %s expired", g.ID),
		Actor:       model.SystemActor,
		Outcome:     ledger.OutcomeSuccess,
		Context: map[string]string{
			"requester":  g.Requester,
			"expires_at": g.ExpiresAt.Format(time.RFC3339),
			"use_count":  strconv.Itoa(g.UseCount),
		},
		ResourceType: "break_glass",
		ResourceID:   g.ID,
	})
	if err != nil {
		return err
	}
	g.ExpiryRecorded = true
	if err := r.store.Update(ctx, g); err != nil {
		return fmt.Errorf("breakglass: update %s: %w", id, err)
	}
	return nil
}

// ErrGrantInactive is returned by Use when the grant was revoked or expired
// after it was looked up. Callers treat it as "no grant".
var ErrGrantInactive = errors.New("break-glass grant no longer active")

// Use records that grant g bypassed a gate: a review item is opened and the
// grant is marked used. The caller appends the BREAK_GLASS_USED event.
// The grant is re-read under the registry lock, so a concurrent Revoke either
// lands first and Use returns ErrGrantInactive, or lands after the use.
func (r *Registry) Use(ctx context.Context, g *Grant, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.Get(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("breakglass: get %s: %w", g.ID, err)
	}
	now := r.now().UTC()
	if !cur.ActiveAt(now) {
		return ErrGrantInactive
	}
	if _, err := r.queue.Request(ctx, review.Item{
		Key:         review.BreakGlassKey(cur.ID),
		Kind:        review.KindBreakGlassUse,
		Subject:     subject,
		Reason:      cur.Justification,
		GrantID:     cur.ID,
		RequestedBy: cur.Requester,
	}); err != nil {
		return fmt.Errorf("breakglass: enqueue review: %w", err)
	}

	cur.UseCount++
	cur.LastUsedAt = &now
	cur.ReviewPending = true
	cur.ReviewCompleted = false
	if err := r.store.Update(ctx, cur); err != nil {
		return fmt.Errorf("breakglass: update %s: %w", cur.ID, err)
	}
	return nil
}

// Revoke ends a grant before its window closes.
func (r *Registry) Revoke(ctx context.Context, actor model.Actor, id string) (*Grant, error) {
	if err := r.authz.Require(actor, authz.PermBreakGlass); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "breakglass.revoke", "break_glass", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("breakglass: get %s: %w", id, err)
	}
	if g.RevokedAt != nil {
		return nil, &model.TransitionError{Entity: "break-glass grant", From: "REVOKED", Op: "revoke"}
	}

	prev := *g
	now := r.now().UTC()
	g.RevokedAt = &now
	g.RevokedBy = actor.ID
	if err := r.store.Update(ctx, g); err != nil {
		return nil, fmt.Errorf("breakglass: update %s: %w", id, err)
	}
	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindBreakGlassRevoked,
		Description:  fmt.Sprintf("break-glass grant %s revoked", g.ID),
		Actor:        actor,
		Outcome:      ledger.OutcomeSuccess,
		Context:      map[string]string{"requester": g.Requester, "use_count": strconv.Itoa(g.UseCount)},
		ResourceType: "break_glass",
		ResourceID:   g.ID,
	})
	if err != nil {
		if uerr := r.store.Update(ctx, &prev); uerr != nil {
			r.log.Error().Err(uerr).Str("grant", g.ID).Msg("break-glass rollback failed")
		}
		return nil, err
	}
	r.log.Info().Str("grant", g.ID).Str("actor", actor.ID).Msg("break-glass revoked")
	return g, nil
}

// CompleteReview closes the mandatory post-use review. The reviewer must hold
// the review permission and must not be the grant's requester.
func (r *Registry) CompleteReview(ctx context.Context, actor model.Actor, id, notes string) (*Grant, error) {
	if err := r.authz.Require(actor, authz.PermReview); err != nil {
		return nil, r.ledger.AdminDenied(ctx, actor, "breakglass.review", "break_glass", id, err)
	}
	if strings.TrimSpace(notes) == "" {
		return nil, &model.ValidationError{Field: "notes", Msg: "review notes are required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("breakglass: get %s: %w", id, err)
	}
	if g.Requester == actor.ID {
		return nil, &model.AuthorizationError{ActorID: actor.ID, Reason: "requester cannot review own break-glass use"}
	}
	if !g.ReviewPending {
		from := "UNUSED"
		if g.ReviewCompleted {
			from = "REVIEWED"
		}
		return nil, &model.TransitionError{Entity: "break-glass grant", From: from, Op: "review"}
	}

	prev := *g
	g.ReviewPending = false
	g.ReviewCompleted = true
	g.ReviewedBy = actor.ID
	g.ReviewNotes = notes
	if err := r.store.Update(ctx, g); err != nil {
		return nil, fmt.Errorf("breakglass: update %s: %w", id, err)
	}
	_, err = r.ledger.Append(ctx, ledger.Draft{
		Kind:         ledger.KindBreakGlassReviewed,
		Description:  fmt.Sprintf("break-glass grant %s reviewed", g.ID),
		Actor:        actor,
		Outcome:      ledger.OutcomeSuccess,
		Context:      map[string]string{"requester": g.Requester, "notes": notes, "use_count": strconv.Itoa(g.UseCount)},
		ResourceType: "break_glass",
		ResourceID:   g.ID,
	})
	if err != nil {
		if uerr := r.store.Update(ctx, &prev); uerr != nil {
			r.log.Error().Err(uerr).Str("grant", g.ID).Msg("break-glass rollback failed")
		}
		return nil, err
	}
	if _, err := r.queue.Close(ctx, review.BreakGlassKey(g.ID), actor.ID, notes); err != nil {
		r.log.Error().Err(err).Str("grant", g.ID).Msg("close break-glass review item")
	}
	return g, nil
}

// Get returns one grant.
func (r *Registry) Get(ctx context.Context, id string) (*Grant, error) {
	return r.store.Get(ctx, id)
}

// List returns every grant.
func (r *Registry) List(ctx context.Context) ([]Grant, error) {
	return r.store.List(ctx)
}

func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("breakglass: generate id: %w", err)
	}
	return "bg-" + hex.EncodeToString(b), nil
}
