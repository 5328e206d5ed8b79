package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/govgate/internal/model"
)

// Workflow is an automation the platform runs on behalf of tenants.
type Workflow struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	RiskLevel    model.RiskLevel `yaml:"risk_level" json:"risk_level"`
	Active       *bool           `yaml:"active,omitempty" json:"active,omitempty"`
	Capabilities []string        `yaml:"capabilities" json:"capabilities"`
}

// IsActive treats an omitted flag as active.
func (w *Workflow) IsActive() bool { return w.Active == nil || *w.Active }

// Capability is a permission-bearing operation a workflow may invoke.
type Capability struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Active *bool  `yaml:"active,omitempty" json:"active,omitempty"`
}

// IsActive treats an omitted flag as active.
func (c *Capability) IsActive() bool { return c.Active == nil || *c.Active }

// Connector is an external system integration.
type Connector struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Active *bool  `yaml:"active,omitempty" json:"active,omitempty"`
}

// IsActive treats an omitted flag as active.
func (c *Connector) IsActive() bool { return c.Active == nil || *c.Active }

// Data is the catalog file layout.
type Data struct {
	Workflows    []Workflow   `yaml:"workflows" json:"workflows"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	Connectors   []Connector  `yaml:"connectors" json:"connectors"`
}

type index struct {
	workflows    map[string]*Workflow
	capabilities map[string]*Capability
	connectors   map[string]*Connector
}

// Catalog answers lookups against an atomically swapped snapshot.
type Catalog struct {
	idx atomic.Pointer[index]
}

// New builds a Catalog from data. Nil data yields an empty catalog.
func New(data *Data) (*Catalog, error) {
	c := &Catalog{}
	if data == nil {
		data = &Data{}
	}
	if err := c.Replace(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates data and swaps it in.
func (c *Catalog) Replace(data *Data) error {
	idx := &index{
		workflows:    make(map[string]*Workflow, len(data.Workflows)),
		capabilities: make(map[string]*Capability, len(data.Capabilities)),
		connectors:   make(map[string]*Connector, len(data.Connectors)),
	}
	for i := range data.Capabilities {
		cp := data.Capabilities[i]
		if cp.ID == "" {
			return &model.ValidationError{Field: "capabilities", Msg: fmt.Sprintf("entry %d has no id", i)}
		}
		idx.capabilities[cp.ID] = &cp
	}
	for i := range data.Connectors {
		cn := data.Connectors[i]
		if cn.ID == "" {
			return &model.ValidationError{Field: "connectors", Msg: fmt.Sprintf("entry %d has no id", i)}
		}
		idx.connectors[cn.ID] = &cn
	}
	for i := range data.Workflows {
		wf := data.Workflows[i]
		if wf.ID == "" {
			return &model.ValidationError{Field: "workflows", Msg: fmt.Sprintf("entry %d has no id", i)}
		}
		if wf.RiskLevel == "" {
			wf.RiskLevel = model.RiskLow
		}
		risk, err := model.ParseRiskLevel(string(wf.RiskLevel))
		if err != nil {
			return fmt.Errorf("catalog: workflow %s: %w", wf.ID, err)
		}
		wf.RiskLevel = risk
		for _, capID := range wf.Capabilities {
			if _, ok := idx.capabilities[capID]; !ok {
				return &model.ValidationError{Field: "workflows", Msg: fmt.Sprintf("workflow %s references unknown capability %s", wf.ID, capID)}
			}
		}
		idx.workflows[wf.ID] = &wf
	}
	c.idx.Store(idx)
	return nil
}

// Workflow returns a workflow by id.
func (c *Catalog) Workflow(id string) (*Workflow, bool) {
	w, ok := c.idx.Load().workflows[id]
	return w, ok
}

// Capability returns a capability by id.
func (c *Catalog) Capability(id string) (*Capability, bool) {
	cp, ok := c.idx.Load().capabilities[id]
	return cp, ok
}

// Connector returns a connector by id.
func (c *Catalog) Connector(id string) (*Connector, bool) {
	cn, ok := c.idx.Load().connectors[id]
	return cn, ok
}

// WorkflowRisk returns the workflow's declared risk, LOW when unknown.
func (c *Catalog) WorkflowRisk(workflowID string) model.RiskLevel {
	if w, ok := c.Workflow(workflowID); ok {
		return w.RiskLevel
	}
	return model.RiskLow
}

// Permit reports whether workflowID may use capabilityID, with the reason
// when it may not. The capability must exist, be active and be whitelisted
// by an active workflow.
func (c *Catalog) Permit(workflowID, capabilityID string) (bool, string) {
	cp, ok := c.Capability(capabilityID)
	if !ok {
		return false, fmt.Sprintf("capability %s is not registered", capabilityID)
	}
	if !cp.IsActive() {
		return false, fmt.Sprintf("capability %s is inactive", capabilityID)
	}
	wf, ok := c.Workflow(workflowID)
	if !ok {
		return false, fmt.Sprintf("workflow %s is not registered", workflowID)
	}
	if !wf.IsActive() {
		return false, fmt.Sprintf("workflow %s is inactive", workflowID)
	}
	for _, id := range wf.Capabilities {
		if id == capabilityID {
			return true, ""
		}
	}
	return false, fmt.Sprintf("capability %s is not whitelisted for workflow %s", capabilityID, workflowID)
}

// Counts returns the number of workflows, capabilities and connectors.
func (c *Catalog) Counts() (int, int, int) {
	idx := c.idx.Load()
	return len(idx.workflows), len(idx.capabilities), len(idx.connectors)
}

// LoadFile reads a YAML catalog and returns it with the SHA-256 of the raw
// bytes. A missing file yields an empty catalog.
func LoadFile(path string) (*Data, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return &Data{}, "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, "", fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	h := sha256.Sum256(raw)
	return &data, "sha256:" + hex.EncodeToString(h[:]), nil
}
