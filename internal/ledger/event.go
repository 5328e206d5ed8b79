package ledger

import (
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

// Kind names what a ledger event records.
type Kind string

const (
	KindActionAllowed          Kind = "ACTION_ALLOWED"
	KindActionDenied           Kind = "ACTION_DENIED"
	KindBreakGlassUsed         Kind = "BREAK_GLASS_USED"
	KindKillSwitchActivated    Kind = "KILL_SWITCH_ACTIVATED"
	KindKillSwitchDeactivated  Kind = "KILL_SWITCH_DEACTIVATED"
	KindBreakGlassGranted      Kind = "BREAK_GLASS_GRANTED"
	KindBreakGlassRevoked      Kind = "BREAK_GLASS_REVOKED"
	KindBreakGlassExpired      Kind = "BREAK_GLASS_EXPIRED"
	KindBreakGlassReviewed     Kind = "BREAK_GLASS_REVIEWED"
	KindPolicyUpserted         Kind = "POLICY_UPSERTED"
	KindPolicyDeactivated      Kind = "POLICY_DEACTIVATED"
	KindAdminDenied            Kind = "ADMIN_DENIED"
	KindReviewResolved         Kind = "REVIEW_RESOLVED"
	KindChangeCreated          Kind = "CHANGE_CREATED"
	KindChangeApprovalRecorded Kind = "CHANGE_APPROVAL_RECORDED"
	KindChangeApproved         Kind = "CHANGE_APPROVED"
	KindChangeRejected         Kind = "CHANGE_REJECTED"
	KindChangeExecuted         Kind = "CHANGE_EXECUTED"
	KindChangeFailed           Kind = "CHANGE_FAILED"
)

// Outcome is the result recorded with an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Event is one immutable, hash-chained ledger record.
type Event struct {
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	Kind         Kind              `json:"kind"`
	Description  string            `json:"description"`
	ActorID      string            `json:"actor_id"`
	ActorKind    model.ActorKind   `json:"actor_kind"`
	Outcome      Outcome           `json:"outcome"`
	Context      map[string]string `json:"context,omitempty"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ContentHash  string            `json:"content_hash"`
	PrevHash     string            `json:"prev_hash"`
}

// Draft is the caller-supplied part of an event. The ledger fills identity,
// position, timestamp and hashes.
type Draft struct {
	Kind         Kind
	Description  string
	Actor        model.Actor
	Outcome      Outcome
	Context      map[string]string
	ResourceType string
	ResourceID   string
}

// checkText rejects strings that JSON encoding would rewrite, since the
// stored form must hash the same as the appended one.
func (d Draft) checkText() error {
	for _, f := range []struct{ name, v string }{
		{"description", d.Description},
		{"actor_id", d.Actor.ID},
		{"resource_type", d.ResourceType},
		{"resource_id", d.ResourceID},
	} {
		if err := model.CheckUTF8(f.name, f.v); err != nil {
			return err
		}
	}
	return model.CheckUTF8Map("context", d.Context)
}
