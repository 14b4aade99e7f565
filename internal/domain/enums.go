// Package domain defines the core domain models for the agent fleet.
package domain

// Platform identifies the compute substrate hosting an agent.
type Platform string

const (
	PlatformVM            Platform = "vm"
	PlatformContainerTask Platform = "container-task"
	PlatformBatchJob      Platform = "batch-job"
	PlatformSelfReported  Platform = "self-reported"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformVM, PlatformContainerTask, PlatformBatchJob, PlatformSelfReported}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformVM, PlatformContainerTask, PlatformBatchJob, PlatformSelfReported:
		return true
	}
	return false
}

// AgentStatus represents the canonical lifecycle status of an agent.
type AgentStatus string

const (
	StatusStarting AgentStatus = "starting"
	StatusIdle     AgentStatus = "idle"
	StatusBusy     AgentStatus = "busy"
	StatusError    AgentStatus = "error"
	StatusOffline  AgentStatus = "offline"
)

// Statuses lists every canonical status.
var Statuses = []AgentStatus{StatusStarting, StatusIdle, StatusBusy, StatusError, StatusOffline}

// Valid reports whether s is a canonical status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusStarting, StatusIdle, StatusBusy, StatusError, StatusOffline:
		return true
	}
	return false
}

// ParseStatus maps a reported status string onto the canonical set.
// Anything unrecognised maps to StatusError so it stays visible.
func ParseStatus(s string) AgentStatus {
	st := AgentStatus(s)
	if st.Valid() {
		return st
	}
	return StatusError
}

// Action is a control action that can be dispatched to an agent.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionStatus  Action = "status"
	ActionLogs    Action = "logs"
	ActionDeploy  Action = "deploy"
)

// Actions lists every action.
var Actions = []Action{ActionStart, ActionStop, ActionRestart, ActionStatus, ActionLogs, ActionDeploy}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionStatus, ActionLogs, ActionDeploy:
		return true
	}
	return false
}

// Mutating reports whether the action changes agent state.
func (a Action) Mutating() bool {
	switch a {
	case ActionStatus, ActionLogs:
		return false
	}
	return true
}

// EventType represents the type of a broadcast event.
type EventType string

const (
	EventTypeSnapshot      EventType = "snapshot"
	EventTypeAgentUpserted EventType = "agent_upserted"
	EventTypeAgentRemoved  EventType = "agent_removed"
	EventTypeCommandResult EventType = "command_result"
	EventTypePolicyDenied  EventType = "policy_denied"
)

// AuditLevel controls how much command text is retained in the audit log.
type AuditLevel string

const (
	AuditLevelFull     AuditLevel = "full"
	AuditLevelStandard AuditLevel = "standard"
)
