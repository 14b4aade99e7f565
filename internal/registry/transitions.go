package registry

import "github.com/xiaot623/agentfleet/internal/domain"

// legal reports whether from -> to is a single edge of the state machine:
//
//	starting -> idle <-> busy
//	any      -> error
//	idle|busy|error -> offline
//	offline  -> starting
func legal(from, to domain.AgentStatus) bool {
	if to == domain.StatusError {
		return from != domain.StatusError
	}
	switch from {
	case domain.StatusStarting:
		return to == domain.StatusIdle
	case domain.StatusIdle:
		return to == domain.StatusBusy || to == domain.StatusOffline
	case domain.StatusBusy:
		return to == domain.StatusIdle || to == domain.StatusOffline
	case domain.StatusError:
		return to == domain.StatusOffline
	case domain.StatusOffline:
		return to == domain.StatusStarting
	}
	return false
}

// resolvePath returns the legal steps that take an agent from one status to
// a reported status. An empty, non-nil path means nothing to do; nil means
// the reported status is not reachable and must be ignored.
func resolvePath(from, to domain.AgentStatus, lifecycle bool) []domain.AgentStatus {
	if to == "" || from == to {
		return []domain.AgentStatus{}
	}
	if legal(from, to) {
		return []domain.AgentStatus{to}
	}
	switch {
	case from == domain.StatusOffline:
		// Rediscovery always re-enters through starting.
		rest := resolvePath(domain.StatusStarting, to, lifecycle)
		if rest == nil {
			return []domain.AgentStatus{domain.StatusStarting}
		}
		return append([]domain.AgentStatus{domain.StatusStarting}, rest...)
	case from == domain.StatusStarting && to == domain.StatusBusy:
		return []domain.AgentStatus{domain.StatusIdle, domain.StatusBusy}
	case lifecycle && from == domain.StatusError && to != domain.StatusOffline:
		return append([]domain.AgentStatus{domain.StatusOffline}, resolvePath(domain.StatusOffline, to, lifecycle)...)
	}
	return nil
}
