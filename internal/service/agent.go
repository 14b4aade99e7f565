package service

import (
	"fmt"

	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/stats"
)

// AgentFilter narrows ListAgents. Zero fields match everything.
type AgentFilter struct {
	Platform domain.Platform
	Status   domain.AgentStatus
	Type     string
}

func (f AgentFilter) matches(a domain.Agent) bool {
	if f.Platform != "" && a.Platform != f.Platform {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	return true
}

// ListAgents returns a snapshot of the agents matching f, ordered by id.
func (s *Service) ListAgents(f AgentFilter) []domain.Agent {
	all := s.registry.List()
	out := make([]domain.Agent, 0, len(all))
	for _, a := range all {
		if f.matches(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) GetAgent(agentID string) (domain.Agent, error) {
	agent, ok := s.registry.Get(agentID)
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	return agent, nil
}

// Stats summarizes the current fleet.
func (s *Service) Stats() stats.Stats {
	return stats.Compute(s.registry.List())
}
