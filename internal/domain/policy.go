package domain

import "time"

// Severity grades a single risk finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the numeric weight used for risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Finding is a single risk pattern matched in a command.
type Finding struct {
	Category string   `json:"category"`
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
}

// PolicyAssessment is the risk verdict computed for a proposed command.
// Assessments are immutable once created.
type PolicyAssessment struct {
	AuditID         string    `json:"audit_id"`
	AgentID         string    `json:"agent_id"`
	Action          Action    `json:"action"`
	Allowed         bool      `json:"allowed"`
	RiskLevel       int       `json:"risk_level"`
	ComplianceLevel int       `json:"compliance_level"`
	Categories      []string  `json:"categories"`
	Findings        []Finding `json:"findings,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Command         string    `json:"command,omitempty"`
	CommandHash     string    `json:"command_hash,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
