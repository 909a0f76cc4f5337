package core

// DecisionKind is the routing outcome for one role.
type DecisionKind string

const (
	DecisionAnswer DecisionKind = "ANSWER"
	DecisionRefer  DecisionKind = "REFER"
	DecisionRefuse DecisionKind = "REFUSE"
)

// Reason codes attached to non-answer decisions.
const (
	ReasonOutOfScope            = "out_of_scope"
	ReasonHighRisk              = "high_risk"
	ReasonCrossRoleScope        = "cross_role_scope"
	ReasonClassifierUnavailable = "classifier_unavailable"
)

// RiskFeatures is the classifier output a decision was derived from. It is
// stored with the decision so the decision can be replayed.
type RiskFeatures struct {
	ScenarioType      string   `json:"scenario_type,omitempty"`
	HighRisk          []string `json:"high_risk,omitempty"`
	OutOfScope        []string `json:"out_of_scope,omitempty"`
	Topics            []string `json:"topics,omitempty"`
	Credential        string   `json:"credential,omitempty"`
	ClassifierVersion string   `json:"classifier_version"`
}

// RoutingDecision is the per-role gate result. It carries no timestamps so
// identical inputs yield identical decisions.
type RoutingDecision struct {
	TurnID string       `json:"turn_id"`
	RoleID string       `json:"role_id"`
	Kind   DecisionKind `json:"kind"`
	// Target is the escalation target or role id for REFER.
	Target string `json:"target,omitempty"`
	// Reason is the reason code for REFER and REFUSE.
	Reason   string       `json:"reason,omitempty"`
	RuleID   string       `json:"rule_id,omitempty"`
	Features RiskFeatures `json:"features"`
}

// Answers reports whether the role proceeds to retrieval and generation.
func (d RoutingDecision) Answers() bool {
	return d.Kind == DecisionAnswer
}
