package change

import (
	"github.com/ppiankov/govgate/internal/model"
)

// Tier maps affected users below a bound to a weight.
type Tier struct {
	Below  int `yaml:"below" json:"below"`
	Weight int `yaml:"weight" json:"weight"`
}

// Thresholds are inclusive upper bounds of the LOW, MEDIUM and HIGH bands.
// Anything above High is CRITICAL.
type Thresholds struct {
	Low    int `yaml:"low" json:"low"`
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
}

// Weights drive the deterministic risk score.
type Weights struct {
	Kind          map[Kind]int            `yaml:"kind" json:"kind"`
	WorkflowRisk  map[model.RiskLevel]int `yaml:"workflow_risk" json:"workflow_risk"`
	Production    int                     `yaml:"production" json:"production"`
	SensitiveData int                     `yaml:"sensitive_data" json:"sensitive_data"`
	// BlastRadius tiers are checked in order; users at or above the last
	// bound score BlastRadiusMax.
	BlastRadius    []Tier     `yaml:"blast_radius" json:"blast_radius"`
	BlastRadiusMax int        `yaml:"blast_radius_max" json:"blast_radius_max"`
	Thresholds     Thresholds `yaml:"thresholds" json:"thresholds"`
}

// DefaultWeights returns the built-in scoring table.
func DefaultWeights() Weights {
	return Weights{
		Kind: map[Kind]int{
			KindConfiguration:    1,
			KindCapabilityRevoke: 1,
			KindDeployment:       2,
			KindCapabilityGrant:  2,
			KindPolicyUpdate:     2,
			KindModelDeployment:  3,
			KindDataMigration:    3,
			KindEmergencyFix:     3,
		},
		WorkflowRisk: map[model.RiskLevel]int{
			model.RiskLow:      0,
			model.RiskMedium:   1,
			model.RiskHigh:     2,
			model.RiskCritical: 4,
		},
		Production:    3,
		SensitiveData: 3,
		BlastRadius: []Tier{
			{Below: 100, Weight: 0},
			{Below: 1000, Weight: 1},
			{Below: 10000, Weight: 2},
			{Below: 100000, Weight: 3},
		},
		BlastRadiusMax: 4,
		Thresholds:     Thresholds{Low: 2, Medium: 5, High: 8},
	}
}

// Score computes the weighted risk score of d against a workflow of the
// given declared risk, and the band it falls in.
func (w Weights) Score(d Draft, workflowRisk model.RiskLevel) (int, model.RiskLevel) {
	score := w.Kind[d.Kind] + w.WorkflowRisk[workflowRisk]
	if d.Production {
		score += w.Production
	}
	if d.SensitiveData {
		score += w.SensitiveData
	}
	score += w.blastRadius(d.AffectedUsers)

	switch {
	case score <= w.Thresholds.Low:
		return score, model.RiskLow
	case score <= w.Thresholds.Medium:
		return score, model.RiskMedium
	case score <= w.Thresholds.High:
		return score, model.RiskHigh
	}
	return score, model.RiskCritical
}

func (w Weights) blastRadius(users int) int {
	for _, t := range w.BlastRadius {
		if users < t.Below {
			return t.Weight
		}
	}
	return w.BlastRadiusMax
}

// RequiredApprovals returns the sign-off count for a risk band and whether a
// compliance-role approver must be among them.
func RequiredApprovals(risk model.RiskLevel) (int, bool) {
	switch risk {
	case model.RiskLow:
		return 0, false
	case model.RiskMedium:
		return 1, false
	case model.RiskHigh:
		return 2, false
	}
	return 3, true
}
