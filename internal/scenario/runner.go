package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
)

// Run evaluates all cases in a scenario against the policy evaluator.
// Evaluation is side-effect free, so cases are independent.
func Run(s *Scenario, ev *policy.Evaluator) *RunResult {
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := CaseResult{
			Index:    i + 1,
			Gate:     c.Action.Gate,
			Workflow: c.Action.WorkflowID,
			Expected: strings.ToUpper(strings.TrimSpace(c.Expect)),
		}

		gate, ac, err := c.Action.toContext()
		if err != nil {
			cr.Actual = "INVALID"
			cr.Reason = err.Error()
			result.Failed++
			result.Cases = append(result.Cases, cr)
			continue
		}
		cr.Gate = string(gate)

		res := ev.Evaluate(ac, gate)
		cr.Actual = string(res.Outcome)
		cr.Reason = res.Reason
		if res.Policy != nil {
			cr.PolicyID = res.Policy.ID
		}

		cr.Passed = cr.Actual == cr.Expected && (c.Policy == "" || c.Policy == cr.PolicyID)
		if cr.Passed {
			result.Passed++
		} else {
			if c.Policy != "" && c.Policy != cr.PolicyID {
				cr.Expected += " by " + c.Policy
				cr.Actual += " by " + orNone(cr.PolicyID)
			}
			result.Failed++
		}

		result.Cases = append(result.Cases, cr)
	}

	return result
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func (a ScenarioAction) toContext() (model.GateType, model.ActionContext, error) {
	gate := model.GateAction
	if a.Gate != "" {
		g, err := model.ParseGateType(a.Gate)
		if err != nil {
			return "", model.ActionContext{}, err
		}
		gate = g
	}
	kind := model.ActorKind(strings.ToUpper(a.ActorKind))
	if kind == "" {
		kind = model.ActorAgent
	}
	ac := model.ActionContext{
		TenantID:      a.TenantID,
		WorkflowID:    a.WorkflowID,
		CapabilityID:  a.CapabilityID,
		ConnectorID:   a.ConnectorID,
		Actor:         model.Actor{ID: a.ActorID, Kind: kind},
		Environment:   a.Environment,
		Production:    a.Production,
		SensitiveData: a.SensitiveData,
		ReadOnly:      a.ReadOnly,
		AffectedUsers: a.AffectedUsers,
		ChangeKind:    a.ChangeKind,
		Extra:         a.Extra,
	}
	if a.RiskLevel != "" {
		r, err := model.ParseRiskLevel(a.RiskLevel)
		if err != nil {
			return "", model.ActionContext{}, err
		}
		ac.RiskLevel = r
	}
	return gate, ac, nil
}

// Load reads and parses one scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and the policy file, and runs.
func LoadAndRun(path, policyPath string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	policies, _, err := policy.LoadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	ev := policy.NewEvaluator()
	ev.Load(policies)

	result := Run(s, ev)
	result.File = path
	return result, nil
}
