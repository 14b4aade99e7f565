package domain

import "time"

// HeartbeatInput is a self-reported liveness push from an agent.
type HeartbeatInput struct {
	AgentID      string            `json:"agent_id"`
	Status       string            `json:"status"`
	Name         string            `json:"name,omitempty"`
	Type         string            `json:"type,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metrics      Metrics           `json:"metrics"`
	Cost         *Cost             `json:"cost,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CurrentTask  string            `json:"current_task,omitempty"`
}

// HeartbeatRecord is the most recent heartbeat received from an agent.
type HeartbeatRecord struct {
	AgentID        string            `json:"agent_id"`
	ReceivedAt     time.Time         `json:"received_at"`
	ReportedStatus AgentStatus       `json:"reported_status"`
	Name           string            `json:"name,omitempty"`
	Type           string            `json:"type,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Metrics        Metrics           `json:"metrics"`
	Cost           *Cost             `json:"cost,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
