package service

import (
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/hub"
)

// Subscribe registers a live subscriber. Its first event is a snapshot of
// the registry taken under the registry lock, so no delta published after
// the snapshot is missed and none published before it is replayed.
func (s *Service) Subscribe() *hub.Subscriber {
	var sub *hub.Subscriber
	s.registry.WithSnapshot(func(agents []domain.Agent) {
		sub = s.hub.Subscribe(agents)
	})
	return sub
}

func (s *Service) Unsubscribe(sub *hub.Subscriber) {
	s.hub.Unsubscribe(sub)
}

// broadcastSnapshot pushes the full registry to every subscriber so
// liveness changes that emit no delta still reach observers.
func (s *Service) broadcastSnapshot() {
	s.registry.WithSnapshot(func(agents []domain.Agent) {
		ev := domain.NewEvent(domain.EventTypeSnapshot, s.clock.Now())
		ev.Agents = agents
		s.hub.Publish(ev)
	})
}
