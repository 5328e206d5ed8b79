package change

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/model"
)

// DefaultExecTimeout bounds one executor call.
const DefaultExecTimeout = 5 * time.Minute

// Gate is the enforcement checkpoint consulted before approval collection
// and before execution.
type Gate interface {
	EvaluateGate(ctx context.Context, gate model.GateType, ac model.ActionContext) enforce.Decision
}

// RiskSource resolves a workflow's declared risk level.
type RiskSource interface {
	WorkflowRisk(workflowID string) model.RiskLevel
}

// Options configure a Service. Zero values select defaults.
type Options struct {
	Weights     *Weights
	Executor    Executor
	ExecTimeout time.Duration
	Log         zerolog.Logger
}

// Service runs the change-request state machine.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	gate     Gate
	authz    *authz.Authorizer
	risk     RiskSource
	weights  Weights
	executor Executor
	timeout  time.Duration
	locks    *keyedMutex
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires a Service.
func NewService(store Store, l *ledger.Ledger, gate Gate, az *authz.Authorizer, risk RiskSource, opts Options) *Service {
	s := &Service{
		store:    store,
		ledger:   l,
		gate:     gate,
		authz:    az,
		risk:     risk,
		weights:  DefaultWeights(),
		executor: opts.Executor,
		timeout:  opts.ExecTimeout,
		locks:    newKeyedMutex(),
		log:      opts.Log,
		now:      time.Now,
	}
	if opts.Weights != nil {
		s.weights = *opts.Weights
	}
	if s.executor == nil {
		s.executor = NoopExecutor{}
	}
	if s.timeout <= 0 {
		s.timeout = DefaultExecTimeout
	}
	return s
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates and scores a draft, persists it and runs the
// pre-approval gate. A draft needing no approvals is approved immediately.
// If the gate fails for infrastructure reasons the change stays PENDING and
// the returned error is *enforce.DenyError; see Resubmit.
func (s *Service) Create(ctx context.Context, requester model.Actor, d Draft) (*Request, error) {
	if strings.TrimSpace(requester.ID) == "" {
		return nil, &model.ValidationError{Field: "requester", Msg: "required"}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	workflowRisk := model.RiskLow
	if s.risk != nil {
		workflowRisk = s.risk.WorkflowRisk(d.WorkflowID)
	}
	score, risk := s.weights.Score(d, workflowRisk)
	required, compliance := RequiredApprovals(risk)

	now := s.now().UTC()
	seq, err := s.store.NextSeq(ctx, now.Year())
	if err != nil {
		return nil, fmt.Errorf("change: allocate key: %w", err)
	}
	r := &Request{
		ID:                 uuid.NewString(),
		Key:                fmt.Sprintf("CHG-%d-%04d", now.Year(), seq),
		Kind:               d.Kind,
		Risk:               risk,
		Score:              score,
		Title:              d.Title,
		Description:        d.Description,
		Rationale:          d.Rationale,
		Requester:          requester,
		TenantID:           d.TenantID,
		WorkflowID:         d.WorkflowID,
		CapabilityID:       d.CapabilityID,
		ConnectorID:        d.ConnectorID,
		Environment:        d.Environment,
		Production:         d.Production,
		SensitiveData:      d.SensitiveData,
		AffectedUsers:      d.AffectedUsers,
		Payload:            d.Payload,
		Status:             StatusPending,
		RequiredApprovals:  required,
		RequiresCompliance: compliance,
		Approvals:          []Approval{},
		CreatedAt:          now,
	}
	autoApproved := required == 0
	if autoApproved {
		r.Status = StatusApproved
		r.ApprovedAt = &now
	}

	unlock := s.locks.Lock(r.ID)
	defer unlock()

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("change: create: %w", err)
	}
	_, err = s.ledger.Append(ctx, ledger.Draft{
		Kind:        ledger.KindChangeCreated,
		Description: fmt.Sprintf("change %s created: %s (%s risk, %d approvals required)", r.Key, r.Title, r.Risk, r.RequiredApprovals),
		Actor:       requester,
		Outcome:     ledger.OutcomeSuccess,
		Context: map[string]string{
			"key":                 r.Key,
			"kind":                string(r.Kind),
			"risk":                string(r.Risk),
			"score":               strconv.Itoa(r.Score),
			"workflow_risk":       string(workflowRisk),
			"required_approvals":  strconv.Itoa(r.RequiredApprovals),
			"requires_compliance": strconv.FormatBool(r.RequiresCompliance),
			"auto_approved":       strconv.FormatBool(autoApproved),
			"status":              string(r.Status),
			"tenant_id":           r.TenantID,
			"workflow_id":         r.WorkflowID,
		},
		ResourceType: "change_request",
		ResourceID:   r.ID,
	})
	if err != nil {
		if derr := s.store.Delete(ctx, r.ID); derr != nil {
			s.log.Error().Err(derr).Str("change", r.Key).Msg("rollback of unrecorded change failed")
		}
		return nil, err
	}
	metrics.RecordChangeTransition(string(r.Status))
	s.log.Info().Str("change", r.Key).Str("risk", string(r.Risk)).Int("score", r.Score).Str("status", string(r.Status)).Msg("change created")

	if autoApproved {
		return r, nil
	}

	return s.preApprove(ctx, r, requester)
}

// Resubmit reruns the pre-approval gate for a change left PENDING by an
// infrastructure failure.
func (s *Service) Resubmit(ctx context.Context, idOrKey string, actor model.Actor) (*Request, error) {
	r, unlock, err := s.lockAndLoad(ctx, idOrKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r.Status != StatusPending {
		return nil, &model.TransitionError{Entity: "change " + r.Key, From: string(r.Status), Op: "resubmit"}
	}
	return s.preApprove(ctx, r, actor)
}

// preApprove moves a PENDING change to APPROVALS_COLLECTING or REJECTED.
// Infrastructure denials leave it PENDING and return the denial.
func (s *Service) preApprove(ctx context.Context, r *Request, actor model.Actor) (*Request, error) {
	dec := s.gate.EvaluateGate(ctx, model.GatePreApproval, r.ActionContext(actor))
	if !dec.Allowed && dec.Kind.IsInfrastructure() {
		s.log.Error().Str("change", r.Key).Str("kind", string(dec.Kind)).Msg(dec.Reason)
		return r, dec.Err()
	}
	if dec.Allowed {
		r.Status = StatusApprovalsCollecting
		if err := s.store.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
		}
		metrics.RecordChangeTransition(string(r.Status))
		return r, nil
	}

	r.Status = StatusRejected
	r.RejectedBy = model.SystemActor.ID
	r.RejectionReason = dec.Reason
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
	}
	metrics.RecordChangeTransition(string(r.Status))
	if err := s.appendTransition(ctx, r, ledger.KindChangeRejected, model.SystemActor, ledger.OutcomeDenied,
		fmt.Sprintf("change %s rejected at pre-approval gate: %s", r.Key, dec.Reason),
		map[string]string{"gate_event_id": dec.EventID, "deny_kind": string(dec.Kind)}); err != nil {
		return r, err
	}
	return r, nil
}

// Approve records a sign-off by approver. The request transitions to
// APPROVED exactly once, when the collected approvals first satisfy it.
func (s *Service) Approve(ctx context.Context, idOrKey string, approver model.Actor, comment string) (*Request, error) {
	r, unlock, err := s.lockAndLoad(ctx, idOrKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if approver.ID == r.Requester.ID {
		return nil, s.ledger.AdminDenied(ctx, approver, "change.approve", "change_request", r.ID,
			&model.AuthorizationError{ActorID: approver.ID, Reason: "requester cannot approve their own change"})
	}
	if r.Status != StatusApprovalsCollecting {
		return nil, &model.TransitionError{Entity: "change " + r.Key, From: string(r.Status), Op: "approve"}
	}
	if !s.authz.CanApprove(approver, r.Risk) {
		return nil, s.ledger.AdminDenied(ctx, approver, "change.approve", "change_request", r.ID,
			&model.AuthorizationError{ActorID: approver.ID, Reason: fmt.Sprintf("not permitted to approve %s risk changes", r.Risk)})
	}
	if r.ApprovedBy(approver.ID) {
		return nil, &model.ValidationError{Field: "approver", Msg: fmt.Sprintf("%s already approved %s", approver.ID, r.Key)}
	}

	prev := r.Clone()
	now := s.now().UTC()
	r.Approvals = append(r.Approvals, Approval{
		ApproverID: approver.ID,
		Roles:      append([]model.Role(nil), approver.Roles...),
		Comment:    comment,
		At:         now,
	})
	transitioned := r.Satisfied()
	if transitioned {
		r.Status = StatusApproved
		r.ApprovedAt = &now
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
	}

	err = s.appendTransition(ctx, r, ledger.KindChangeApprovalRecorded, approver, ledger.OutcomeSuccess,
		fmt.Sprintf("approval %d/%d recorded on %s by %s", len(r.Approvals), r.RequiredApprovals, r.Key, approver.ID),
		map[string]string{"comment": comment})
	if err != nil {
		s.rollback(ctx, prev, r)
		return nil, err
	}
	if transitioned {
		metrics.RecordChangeTransition(string(r.Status))
		if err := s.appendTransition(ctx, r, ledger.KindChangeApproved, approver, ledger.OutcomeSuccess,
			fmt.Sprintf("change %s approved", r.Key), nil); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Reject ends a change before execution. Any approver eligible for the
// change's risk band may reject; a reason is required.
func (s *Service) Reject(ctx context.Context, idOrKey string, actor model.Actor, reason string) (*Request, error) {
	r, unlock, err := s.lockAndLoad(ctx, idOrKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !s.authz.CanApprove(actor, r.Risk) {
		return nil, s.ledger.AdminDenied(ctx, actor, "change.reject", "change_request", r.ID,
			&model.AuthorizationError{ActorID: actor.ID, Reason: fmt.Sprintf("not permitted to reject %s risk changes", r.Risk)})
	}
	switch r.Status {
	case StatusPending, StatusApprovalsCollecting, StatusApproved:
	default:
		return nil, &model.TransitionError{Entity: "change " + r.Key, From: string(r.Status), Op: "reject"}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, &model.ValidationError{Field: "reason", Msg: "rejection reason is required"}
	}

	prev := r.Clone()
	r.Status = StatusRejected
	r.RejectedBy = actor.ID
	r.RejectionReason = reason
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
	}
	if err := s.appendTransition(ctx, r, ledger.KindChangeRejected, actor, ledger.OutcomeSuccess,
		fmt.Sprintf("change %s rejected by %s: %s", r.Key, actor.ID, reason), nil); err != nil {
		s.rollback(ctx, prev, r)
		return nil, err
	}
	metrics.RecordChangeTransition(string(r.Status))
	return r, nil
}

// Execute runs an approved change through the pre-execution gate and, if
// allowed, the executor. A gate denial leaves the change APPROVED and returns
// *enforce.DenyError; an executor error or timeout moves it to FAILED and
// returns *model.ExecutorError.
func (s *Service) Execute(ctx context.Context, idOrKey string, actor model.Actor) (*Request, error) {
	r, unlock, err := s.lockAndLoad(ctx, idOrKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r.Status != StatusApproved {
		return nil, &model.TransitionError{Entity: "change " + r.Key, From: string(r.Status), Op: "execute"}
	}

	dec := s.gate.EvaluateGate(ctx, model.GatePreExecution, r.ActionContext(actor))
	if !dec.Allowed {
		s.log.Warn().Str("change", r.Key).Str("kind", string(dec.Kind)).Msg(dec.Reason)
		return r, dec.Err()
	}

	now := s.now().UTC()
	r.Status = StatusExecuting
	r.ExecutionStartedAt = &now
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
	}
	metrics.RecordChangeTransition(string(r.Status))

	execErr := s.runExecutor(ctx, r)

	done := s.now().UTC()
	if execErr != nil {
		r.Status = StatusFailed
		r.FailureReason = execErr.Error()
	} else {
		r.Status = StatusExecuted
		r.ExecutedAt = &done
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("change: update %s: %w", r.Key, err)
	}
	metrics.RecordChangeTransition(string(r.Status))

	if execErr != nil {
		s.log.Error().Err(execErr).Str("change", r.Key).Msg("change execution failed")
		if err := s.appendTransition(ctx, r, ledger.KindChangeFailed, actor, ledger.OutcomeFailure,
			fmt.Sprintf("change %s failed: %v", r.Key, execErr),
			map[string]string{"gate_event_id": dec.EventID}); err != nil {
			return r, errors.Join(&model.ExecutorError{ChangeID: r.ID, Err: execErr}, err)
		}
		return r, &model.ExecutorError{ChangeID: r.ID, Err: execErr}
	}
	if err := s.appendTransition(ctx, r, ledger.KindChangeExecuted, actor, ledger.OutcomeSuccess,
		fmt.Sprintf("change %s executed", r.Key),
		map[string]string{"gate_event_id": dec.EventID}); err != nil {
		return r, err
	}
	s.log.Info().Str("change", r.Key).Msg("change executed")
	return r, nil
}

// runExecutor bounds the executor by the configured timeout even when it
// ignores its context.
func (s *Service) runExecutor(ctx context.Context, r *Request) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	snapshot := r.Clone()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("executor panic: %v", p)
			}
		}()
		done <- s.executor.Execute(ctx, snapshot)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("executor timed out after %s: %w", s.timeout, ctx.Err())
	}
}

// Get returns a change by id or key.
func (s *Service) Get(ctx context.Context, idOrKey string) (*Request, error) {
	r, err := s.store.Get(ctx, idOrKey)
	if err != nil {
		return nil, fmt.Errorf("change: get %s: %w", idOrKey, err)
	}
	return r, nil
}

// List returns changes matching f, oldest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Request, error) {
	return s.store.List(ctx, f)
}

// ApprovalState reports approval progress to the enforcement pipeline. It
// reads the store directly and never takes the per-change lock, because
// Execute consults the gate while holding it.
func (s *Service) ApprovalState(ctx context.Context, changeID string) (enforce.ApprovalState, error) {
	r, err := s.store.Get(ctx, changeID)
	if err != nil {
		return enforce.ApprovalState{}, err
	}
	return enforce.ApprovalState{
		Status:    string(r.Status),
		Approved:  r.Status == StatusApproved && r.Satisfied(),
		Collected: len(r.Approvals),
		Required:  r.RequiredApprovals,
	}, nil
}

func (s *Service) lockAndLoad(ctx context.Context, idOrKey string) (*Request, func(), error) {
	r, err := s.store.Get(ctx, idOrKey)
	if err != nil {
		return nil, nil, fmt.Errorf("change: get %s: %w", idOrKey, err)
	}
	unlock := s.locks.Lock(r.ID)
	// Reload under the lock so the version is current.
	r, err = s.store.Get(ctx, r.ID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("change: get %s: %w", idOrKey, err)
	}
	return r, unlock, nil
}

// rollback restores prev after an unrecorded transition. cur carries the
// version written by the failed transition.
func (s *Service) rollback(ctx context.Context, prev, cur *Request) {
	restore := prev.Clone()
	restore.Version = cur.Version
	if err := s.store.Update(ctx, restore); err != nil {
		s.log.Error().Err(err).Str("change", cur.Key).Msg("rollback of unrecorded transition failed")
		return
	}
	*cur = *restore
}

func (s *Service) appendTransition(ctx context.Context, r *Request, kind ledger.Kind, actor model.Actor, outcome ledger.Outcome, desc string, extra map[string]string) error {
	c := map[string]string{
		"key":       r.Key,
		"status":    string(r.Status),
		"risk":      string(r.Risk),
		"approvals": strconv.Itoa(len(r.Approvals)),
		"required":  strconv.Itoa(r.RequiredApprovals),
	}
	for k, v := range extra {
		if v != "" {
			c[k] = v
		}
	}
	_, err := s.ledger.Append(ctx, ledger.Draft{
		Kind:         kind,
		Description:  desc,
		Actor:        actor,
		Outcome:      outcome,
		Context:      c,
		ResourceType: "change_request",
		ResourceID:   r.ID,
	})
	return err
}
