package domain

import "time"

// Event is a state change pushed to live subscribers.
type Event struct {
	Type       EventType         `json:"type"`
	Ts         int64             `json:"ts"` // Unix milliseconds
	AgentID    string            `json:"agent_id,omitempty"`
	Agent      *Agent            `json:"agent,omitempty"`
	Agents     []Agent           `json:"agents,omitempty"`
	Outcome    *CommandOutcome   `json:"outcome,omitempty"`
	Assessment *PolicyAssessment `json:"assessment,omitempty"`
}

// NewEvent creates an event stamped with the given time.
func NewEvent(t EventType, at time.Time) Event {
	return Event{Type: t, Ts: at.UnixMilli()}
}
