package killswitch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

// Effect controls what an active switch blocks.
type Effect string

const (
	// HardStop blocks every matching action.
	HardStop Effect = "HARD_STOP"
	// Degrade blocks matching actions unless they are read-only.
	Degrade Effect = "DEGRADE"
)

// ParseEffect validates an effect name. Empty selects HardStop.
func ParseEffect(s string) (Effect, error) {
	switch e := Effect(strings.ToUpper(strings.TrimSpace(s))); e {
	case "":
		return HardStop, nil
	case HardStop, Degrade:
		return e, nil
	}
	return "", &model.ValidationError{Field: "effect", Msg: fmt.Sprintf("unknown effect %q", s)}
}

// Stricter reports whether e blocks more than other.
func (e Effect) Stricter(other Effect) bool {
	return e == HardStop && other == Degrade
}

// Switch is an emergency halt for one scope target.
type Switch struct {
	ID            string      `json:"id"`
	Scope         model.Scope `json:"scope"`
	Target        string      `json:"target"`
	Effect        Effect      `json:"effect"`
	Active        bool        `json:"active"`
	Reason        string      `json:"reason"`
	IncidentID    string      `json:"incident_id,omitempty"`
	ActivatedBy   string      `json:"activated_by"`
	ActivatedAt   time.Time   `json:"activated_at"`
	DeactivatedBy string      `json:"deactivated_by,omitempty"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
	Notes         string      `json:"notes,omitempty"`
}

// Blocks reports whether the switch stops an action with the given
// read-only flag.
func (s *Switch) Blocks(readOnly bool) bool {
	if !s.Active {
		return false
	}
	return s.Effect != Degrade || !readOnly
}

// ActivateRequest describes a switch to turn on.
type ActivateRequest struct {
	Scope      model.Scope
	Target     string
	Effect     Effect
	Reason     string
	IncidentID string
}

func (r *ActivateRequest) normalize() error {
	if _, err := model.ParseScope(string(r.Scope)); err != nil {
		return err
	}
	r.Target = strings.TrimSpace(r.Target)
	if r.Scope == model.ScopeGlobal {
		if r.Target != "" && r.Target != model.GlobalTarget {
			return &model.ValidationError{Field: "target", Msg: "GLOBAL scope takes no target"}
		}
		r.Target = model.GlobalTarget
	} else if r.Target == "" {
		return &model.ValidationError{Field: "target", Msg: "required"}
	}
	if strings.TrimSpace(r.Reason) == "" {
		return &model.ValidationError{Field: "reason", Msg: "required"}
	}
	effect, err := ParseEffect(string(r.Effect))
	if err != nil {
		return err
	}
	r.Effect = effect
	return nil
}

// Store persists switches.
type Store interface {
	Create(ctx context.Context, s *Switch) error
	Update(ctx context.Context, s *Switch) error
	Delete(ctx context.Context, id string) error
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Switch, error)
	// FindActive returns the active switch for scope/target, or nil.
	FindActive(ctx context.Context, scope model.Scope, target string) (*Switch, error)
	List(ctx context.Context, activeOnly bool) ([]Switch, error)
}
