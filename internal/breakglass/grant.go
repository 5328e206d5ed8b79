package breakglass

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

const (
	// DefaultDuration is the grant window when none is requested.
	DefaultDuration = 10 * time.Minute
	// MaxDuration is the default ceiling for a grant window.
	MaxDuration = 1 * time.Hour
)

// ReasonCategory classifies why emergency access was needed.
type ReasonCategory string

const (
	ReasonP0Incident       ReasonCategory = "P0_INCIDENT"
	ReasonDataLoss         ReasonCategory = "DATA_LOSS"
	ReasonSecurityResponse ReasonCategory = "SECURITY_RESPONSE"
	ReasonRegulatory       ReasonCategory = "REGULATORY"
	ReasonCustomerImpact   ReasonCategory = "CUSTOMER_IMPACT"
	ReasonSystemFailure    ReasonCategory = "SYSTEM_FAILURE"
)

func parseReasonCategory(s string) (ReasonCategory, error) {
	c := ReasonCategory(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case "":
		return ReasonP0Incident, nil
	case ReasonP0Incident, ReasonDataLoss, ReasonSecurityResponse, ReasonRegulatory, ReasonCustomerImpact, ReasonSystemFailure:
		return c, nil
	}
	return "", &model.ValidationError{Field: "reason_category", Msg: fmt.Sprintf("unknown category %q", s)}
}

// Grant is time-boxed emergency access for one requester on one scope target.
type Grant struct {
	ID              string         `json:"id"`
	Requester       string         `json:"requester"`
	GrantedBy       string         `json:"granted_by"`
	Scope           model.Scope    `json:"scope"`
	Target          string         `json:"target"`
	Justification   string         `json:"justification"`
	ReasonCategory  ReasonCategory `json:"reason_category"`
	IncidentID      string         `json:"incident_id,omitempty"`
	GrantedAt       time.Time      `json:"granted_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RevokedAt       *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy       string         `json:"revoked_by,omitempty"`
	ReviewRequired  bool           `json:"review_required"`
	ReviewPending   bool           `json:"review_pending"`
	ReviewCompleted bool           `json:"review_completed"`
	ReviewedBy      string         `json:"reviewed_by,omitempty"`
	ReviewNotes     string         `json:"review_notes,omitempty"`
	UseCount        int            `json:"use_count"`
	LastUsedAt      *time.Time     `json:"last_used_at,omitempty"`
	ExpiryRecorded  bool           `json:"expiry_recorded"`
}

// ActiveAt reports whether the grant is usable at now.
func (g *Grant) ActiveAt(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}

// GrantRequest describes a grant to issue.
type GrantRequest struct {
	Requester      string
	Scope          model.Scope
	Target         string
	Justification  string
	ReasonCategory string
	IncidentID     string
	Duration       time.Duration
}

// Store persists grants.
type Store interface {
	Create(ctx context.Context, g *Grant) error
	Update(ctx context.Context, g *Grant) error
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Grant, error)
	// ListOpen returns grants that are neither revoked nor recorded as expired.
	ListOpen(ctx context.Context) ([]Grant, error)
	List(ctx context.Context) ([]Grant, error)
}
