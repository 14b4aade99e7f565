package domain

import (
	"maps"
	"slices"
	"time"
)

// Metrics holds the last-known resource metrics of an agent.
// A nil field means the value was never reported, which is not the same as zero.
type Metrics struct {
	CPUPercent       *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent    *float64 `json:"memory_percent,omitempty"`
	DiskPercent      *float64 `json:"disk_percent,omitempty"`
	NetworkInBytes   *int64   `json:"network_in_bytes,omitempty"`
	NetworkOutBytes  *int64   `json:"network_out_bytes,omitempty"`
	TasksCompleted   *int64   `json:"tasks_completed,omitempty"`
	CurrentTaskCount *int64   `json:"current_task_count,omitempty"`
}

// Cost holds the derived running cost of an agent.
type Cost struct {
	Hourly  float64 `json:"hourly"`
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
}

// CostFromHourly derives daily and monthly cost from an hourly rate.
func CostFromHourly(hourly float64) *Cost {
	return &Cost{
		Hourly:  hourly,
		Daily:   hourly * 24,
		Monthly: hourly * 730,
	}
}

// Agent is the unified view of a worker process across all sources.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Platform     Platform          `json:"platform"`
	Handle       string            `json:"handle"`
	Status       AgentStatus       `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metrics      Metrics           `json:"metrics"`
	Cost         *Cost             `json:"cost,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
	Source       string            `json:"source,omitempty"`
	CurrentTask  string            `json:"current_task,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = slices.Clone(a.Capabilities)
	out.Metadata = maps.Clone(a.Metadata)
	out.Metrics = a.Metrics.Clone()
	if a.Cost != nil {
		c := *a.Cost
		out.Cost = &c
	}
	return out
}

// Clone returns a deep copy of the metrics.
func (m Metrics) Clone() Metrics {
	return Metrics{
		CPUPercent:       clonePtr(m.CPUPercent),
		MemoryPercent:    clonePtr(m.MemoryPercent),
		DiskPercent:      clonePtr(m.DiskPercent),
		NetworkInBytes:   clonePtr(m.NetworkInBytes),
		NetworkOutBytes:  clonePtr(m.NetworkOutBytes),
		TasksCompleted:   clonePtr(m.TasksCompleted),
		CurrentTaskCount: clonePtr(m.CurrentTaskCount),
	}
}

// Merge overlays the fields present in newer on top of m.
func (m Metrics) Merge(newer Metrics) Metrics {
	out := m.Clone()
	if newer.CPUPercent != nil {
		out.CPUPercent = clonePtr(newer.CPUPercent)
	}
	if newer.MemoryPercent != nil {
		out.MemoryPercent = clonePtr(newer.MemoryPercent)
	}
	if newer.DiskPercent != nil {
		out.DiskPercent = clonePtr(newer.DiskPercent)
	}
	if newer.NetworkInBytes != nil {
		out.NetworkInBytes = clonePtr(newer.NetworkInBytes)
	}
	if newer.NetworkOutBytes != nil {
		out.NetworkOutBytes = clonePtr(newer.NetworkOutBytes)
	}
	if newer.TasksCompleted != nil {
		out.TasksCompleted = clonePtr(newer.TasksCompleted)
	}
	if newer.CurrentTaskCount != nil {
		out.CurrentTaskCount = clonePtr(newer.CurrentTaskCount)
	}
	return out
}

// Equal reports whether both metric sets hold the same values.
func (m Metrics) Equal(other Metrics) bool {
	return ptrEqual(m.CPUPercent, other.CPUPercent) &&
		ptrEqual(m.MemoryPercent, other.MemoryPercent) &&
		ptrEqual(m.DiskPercent, other.DiskPercent) &&
		ptrEqual(m.NetworkInBytes, other.NetworkInBytes) &&
		ptrEqual(m.NetworkOutBytes, other.NetworkOutBytes) &&
		ptrEqual(m.TasksCompleted, other.TasksCompleted) &&
		ptrEqual(m.CurrentTaskCount, other.CurrentTaskCount)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Observation is a single report about an agent from one source.
// It is the only input accepted by the registry.
type Observation struct {
	AgentID      string
	Source       string
	ObservedAt   time.Time
	Name         string
	Type         string
	Platform     Platform // empty when the source does not know the identity
	Handle       string
	Status       AgentStatus // empty leaves the status untouched
	Capabilities []string
	Metrics      Metrics
	Cost         *Cost
	Metadata     map[string]string

	// CurrentTask and LastError are applied only when non-nil.
	CurrentTask *string
	LastError   *string

	// Lifecycle marks an operator driven restart, which may route an
	// errored agent back through offline and starting.
	Lifecycle bool

	// TasksCompletedDelta is added to the stored tasks counter.
	TasksCompletedDelta int64
}

// ObservationFromAgent builds an observation from an adapter-reported agent.
func ObservationFromAgent(source string, a Agent) Observation {
	obs := Observation{
		AgentID:      a.ID,
		Source:       source,
		ObservedAt:   a.LastSeen,
		Name:         a.Name,
		Type:         a.Type,
		Platform:     a.Platform,
		Handle:       a.Handle,
		Status:       a.Status,
		Capabilities: a.Capabilities,
		Metrics:      a.Metrics,
		Cost:         a.Cost,
		Metadata:     a.Metadata,
	}
	if a.CurrentTask != "" {
		obs.CurrentTask = String(a.CurrentTask)
	}
	return obs
}

// String returns a pointer to s, for optional observation fields.
func String(s string) *string { return &s }
