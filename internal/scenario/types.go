package scenario

// ScenarioAction defines the action under test. Fields mirror the policy
// context field names.
type ScenarioAction struct {
	Gate          string            `yaml:"gate,omitempty"`
	TenantID      string            `yaml:"tenant_id"`
	WorkflowID    string            `yaml:"workflow_id"`
	CapabilityID  string            `yaml:"capability_id,omitempty"`
	ConnectorID   string            `yaml:"connector_id,omitempty"`
	ActorID       string            `yaml:"actor_id,omitempty"`
	ActorKind     string            `yaml:"actor_kind,omitempty"`
	Environment   string            `yaml:"environment,omitempty"`
	Production    bool              `yaml:"production,omitempty"`
	SensitiveData bool              `yaml:"sensitive_data,omitempty"`
	ReadOnly      bool              `yaml:"read_only,omitempty"`
	AffectedUsers int               `yaml:"affected_users,omitempty"`
	ChangeKind    string            `yaml:"change_kind,omitempty"`
	RiskLevel     string            `yaml:"risk_level,omitempty"`
	Extra         map[string]string `yaml:"extra,omitempty"`
}

// Case is one test case within a scenario. Policy, when set, also asserts
// which policy decided.
type Case struct {
	Action ScenarioAction `yaml:"action"`
	Expect string         `yaml:"expect"`
	Policy string         `yaml:"policy,omitempty"`
}

// Scenario is a named collection of policy test cases.
type Scenario struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Gate     string `json:"gate"`
	Workflow string `json:"workflow"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
