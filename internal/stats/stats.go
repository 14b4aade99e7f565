// Package stats summarizes the fleet from a registry snapshot.
package stats

import "github.com/xiaot623/agentfleet/internal/domain"

// Stats is a point-in-time fleet summary.
type Stats struct {
	Total            int                        `json:"total"`
	ByStatus         map[domain.AgentStatus]int `json:"by_status"`
	ByPlatform       map[domain.Platform]int    `json:"by_platform"`
	AvgCPUPercent    *float64                   `json:"avg_cpu_percent"`
	AvgMemoryPercent *float64                   `json:"avg_memory_percent"`
	TasksCompleted   int64                      `json:"tasks_completed"`
	CurrentTasks     int64                      `json:"current_tasks"`
	Cost             domain.Cost                `json:"cost"`
}

// Compute aggregates agents. Averages only cover agents reporting the
// metric and are nil when none do.
func Compute(agents []domain.Agent) Stats {
	s := Stats{
		Total:      len(agents),
		ByStatus:   make(map[domain.AgentStatus]int, len(domain.Statuses)),
		ByPlatform: make(map[domain.Platform]int, len(domain.Platforms)),
	}
	for _, st := range domain.Statuses {
		s.ByStatus[st] = 0
	}
	for _, p := range domain.Platforms {
		s.ByPlatform[p] = 0
	}

	var cpuSum, memSum float64
	var cpuN, memN int
	for _, a := range agents {
		s.ByStatus[a.Status]++
		s.ByPlatform[a.Platform]++

		m := a.Metrics
		if m.CPUPercent != nil {
			cpuSum += *m.CPUPercent
			cpuN++
		}
		if m.MemoryPercent != nil {
			memSum += *m.MemoryPercent
			memN++
		}
		if m.TasksCompleted != nil {
			s.TasksCompleted += *m.TasksCompleted
		}
		if m.CurrentTaskCount != nil {
			s.CurrentTasks += *m.CurrentTaskCount
		}
		if a.Cost != nil {
			s.Cost.Hourly += a.Cost.Hourly
			s.Cost.Daily += a.Cost.Daily
			s.Cost.Monthly += a.Cost.Monthly
		}
	}
	if cpuN > 0 {
		s.AvgCPUPercent = domain.Float(cpuSum / float64(cpuN))
	}
	if memN > 0 {
		s.AvgMemoryPercent = domain.Float(memSum / float64(memN))
	}
	return s
}
