package domain

import "time"

// CommandRequest is a control or task command addressed to one agent.
type CommandRequest struct {
	AgentID string `json:"agent_id"`
	Action  Action `json:"action"`
	Payload string `json:"payload,omitempty"`
}

// CommandText returns the text submitted to risk assessment.
func (r CommandRequest) CommandText() string {
	if r.Payload != "" {
		return r.Payload
	}
	return string(r.Action)
}

// CommandOutcome records the result of a dispatched command.
type CommandOutcome struct {
	CommandID   string      `json:"command_id"`
	AgentID     string      `json:"agent_id"`
	Action      Action      `json:"action"`
	AuditID     string      `json:"audit_id"`
	Output      string      `json:"output,omitempty"`
	Status      AgentStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// BulkDeployRequest deploys one payload to every matching agent.
type BulkDeployRequest struct {
	Payload  string   `json:"payload"`
	Platform Platform `json:"platform,omitempty"`
	Type     string   `json:"type,omitempty"`
}

// Matches reports whether the agent is targeted by the bulk request.
func (r BulkDeployRequest) Matches(a Agent) bool {
	if a.Status == StatusOffline {
		return false
	}
	if r.Platform != "" && a.Platform != r.Platform {
		return false
	}
	if r.Type != "" && a.Type != r.Type {
		return false
	}
	return true
}

// BulkDeployResult aggregates per-agent outcomes of a bulk deploy.
type BulkDeployResult struct {
	AuditID   string           `json:"audit_id"`
	Outcomes  []CommandOutcome `json:"outcomes"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}
