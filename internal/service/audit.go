package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/repository"
)

// AuditQuery selects policy assessments, newest first.
type AuditQuery struct {
	AgentID    string
	DeniedOnly bool
	Since      time.Time
	Limit      int
}

func (q AuditQuery) matches(a domain.PolicyAssessment) bool {
	if q.AgentID != "" && a.AgentID != q.AgentID {
		return false
	}
	if q.DeniedOnly && a.Allowed {
		return false
	}
	if !q.Since.IsZero() && a.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Assessments answers q from the persistent store when there is one and
// from the in-memory ring otherwise. Store writes are asynchronous, so ring
// entries the store has not caught up with are merged in.
func (s *Service) Assessments(ctx context.Context, q AuditQuery) ([]domain.PolicyAssessment, error) {
	if s.store == nil {
		return s.recentMatching(q, time.Time{}, nil), nil
	}

	stored, err := s.store.ListAssessments(ctx, repository.AssessmentFilter{
		AgentID:    q.AgentID,
		DeniedOnly: q.DeniedOnly,
		Since:      q.Since,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	seen := make(map[string]struct{}, len(stored))
	for _, a := range stored {
		seen[a.AuditID] = struct{}{}
	}
	// Older records may already be pruned from the store.
	var cutoff time.Time
	if s.config.AuditRetention > 0 {
		cutoff = s.clock.Now().Add(-s.config.AuditRetention)
	}
	pending := s.recentMatching(AuditQuery{AgentID: q.AgentID, DeniedOnly: q.DeniedOnly, Since: q.Since}, cutoff, seen)

	out := append(stored, pending...)
	slices.SortStableFunc(out, func(a, b domain.PolicyAssessment) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.AuditID, a.AuditID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if out == nil {
		out = []domain.PolicyAssessment{}
	}
	return out, nil
}

// recentMatching filters the ring, newest first, skipping entries older than
// notBefore or already in skip.
func (s *Service) recentMatching(q AuditQuery, notBefore time.Time, skip map[string]struct{}) []domain.PolicyAssessment {
	out := []domain.PolicyAssessment{}
	for _, a := range s.audit.Recent(0) {
		if !q.matches(a) || a.Timestamp.Before(notBefore) {
			continue
		}
		if _, ok := skip[a.AuditID]; ok {
			continue
		}
		out = append(out, a)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// RecentAssessments returns up to limit assessments from the in-memory ring.
func (s *Service) RecentAssessments(limit int) []domain.PolicyAssessment {
	return s.audit.Recent(limit)
}
