package policy

import (
	"fmt"
	"strconv"

	"github.com/ppiankov/govgate/internal/model"
)

// Op is a condition operator. The set is closed; rules are data, never code.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
	OpRange  Op = "range"
	OpExists Op = "exists"
)

// Condition tests one declared context field.
type Condition struct {
	Field  string   `yaml:"field" json:"field"`
	Op     Op       `yaml:"op" json:"op"`
	Value  string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	Min    *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Rule matches when every All condition holds and, if Any is non-empty, at
// least one Any condition holds. An empty rule matches everything.
type Rule struct {
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
}

// Validate rejects unknown fields and malformed operators.
func (r Rule) Validate() error {
	for i, c := range r.All {
		if err := c.validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i, c := range r.Any {
		if err := c.validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	return nil
}

func (c Condition) validate() error {
	if !model.IsDeclaredField(c.Field) {
		return &model.ValidationError{Field: "rule", Msg: fmt.Sprintf("unknown context field %q", c.Field)}
	}
	switch c.Op {
	case OpEq, OpNeq, OpExists:
	case OpIn, OpNotIn:
		if len(c.Values) == 0 {
			return &model.ValidationError{Field: "rule", Msg: fmt.Sprintf("%s on %s needs values", c.Op, c.Field)}
		}
	case OpRange:
		if c.Min == nil && c.Max == nil {
			return &model.ValidationError{Field: "rule", Msg: fmt.Sprintf("range on %s needs min or max", c.Field)}
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return &model.ValidationError{Field: "rule", Msg: fmt.Sprintf("range on %s has min > max", c.Field)}
		}
	default:
		return &model.ValidationError{Field: "rule", Msg: fmt.Sprintf("unknown operator %q", c.Op)}
	}
	return nil
}

// Matches evaluates the rule against an action at a gate.
func (r Rule) Matches(ac model.ActionContext, gate model.GateType) bool {
	for _, c := range r.All {
		if !c.matches(ac, gate) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return true
	}
	for _, c := range r.Any {
		if c.matches(ac, gate) {
			return true
		}
	}
	return false
}

func (c Condition) matches(ac model.ActionContext, gate model.GateType) bool {
	v, ok := ac.Field(c.Field, gate)
	switch c.Op {
	case OpExists:
		return ok && v != ""
	case OpEq:
		return ok && v == c.Value
	case OpNeq:
		return !ok || v != c.Value
	case OpIn:
		return ok && contains(c.Values, v)
	case OpNotIn:
		return !ok || !contains(c.Values, v)
	case OpRange:
		if !ok {
			return false
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
