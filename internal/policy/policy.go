package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

// Outcome is what a matching policy decides.
type Outcome string

const (
	Allow         Outcome = "ALLOW"
	Deny          Outcome = "DENY"
	RequireReview Outcome = "REQUIRE_REVIEW"
)

// ParseOutcome validates an outcome name (case-insensitive).
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	switch o {
	case Allow, Deny, RequireReview:
		return o, nil
	}
	return "", &model.ValidationError{Field: "outcome", Msg: fmt.Sprintf("unknown outcome %q", s)}
}

// Policy is one declarative control. Lower priority values are evaluated first.
type Policy struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Rule        Rule      `yaml:"rule" json:"rule"`
	Outcome     Outcome   `yaml:"outcome" json:"outcome"`
	Priority    int       `yaml:"priority" json:"priority"`
	Active      bool      `yaml:"active" json:"active"`
	UpdatedAt   time.Time `yaml:"-" json:"updated_at"`
	UpdatedBy   string    `yaml:"-" json:"updated_by,omitempty"`
}

// Validate checks identity, outcome and rule grammar.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return &model.ValidationError{Field: "id", Msg: "required"}
	}
	o, err := ParseOutcome(string(p.Outcome))
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.ID, err)
	}
	p.Outcome = o
	if err := p.Rule.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.ID, err)
	}
	return nil
}

// Store persists policies.
type Store interface {
	Upsert(ctx context.Context, p *Policy) error
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context) ([]Policy, error)
}
