package repository

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/agentfleet/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStoreSaveAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	denied := domain.PolicyAssessment{
		AuditID:         "01A",
		AgentID:         "vm-1",
		Action:          domain.ActionDeploy,
		Allowed:         false,
		RiskLevel:       5,
		ComplianceLevel: 0,
		Categories:      []string{"destructive_action"},
		Findings:        []domain.Finding{{Category: "destructive_action", Pattern: "rm -rf /", Severity: domain.SeverityCritical}},
		Reason:          "critical finding: destructive_action",
		Command:         "ls; rm -rf /",
		Timestamp:       base,
	}
	allowed := domain.PolicyAssessment{
		AuditID:         "01B",
		AgentID:         "vm-2",
		Action:          domain.ActionLogs,
		Allowed:         true,
		RiskLevel:       1,
		ComplianceLevel: 100,
		Categories:      []string{},
		CommandHash:     "abc123",
		Timestamp:       base.Add(time.Second),
	}
	for _, a := range []domain.PolicyAssessment{denied, allowed} {
		if err := store.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	got, err := store.ListAssessments(ctx, AssessmentFilter{})
	if err != nil {
		t.Fatalf("ListAssessments failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(got))
	}
	if got[0].AuditID != "01B" || got[1].AuditID != "01A" {
		t.Fatalf("expected newest first, got %s, %s", got[0].AuditID, got[1].AuditID)
	}
	if got[0].CommandHash != "abc123" || got[0].Command != "" {
		t.Fatalf("unexpected command fields: %+v", got[0])
	}
	if got[1].Allowed || got[1].RiskLevel != 5 || len(got[1].Findings) != 1 {
		t.Fatalf("unexpected denied assessment: %+v", got[1])
	}
	if !got[1].Timestamp.Equal(base) {
		t.Fatalf("timestamp mismatch: %v", got[1].Timestamp)
	}

	onlyDenied, err := store.ListAssessments(ctx, AssessmentFilter{DeniedOnly: true})
	if err != nil {
		t.Fatalf("ListAssessments denied failed: %v", err)
	}
	if len(onlyDenied) != 1 || onlyDenied[0].AuditID != "01A" {
		t.Fatalf("unexpected denied filter result: %+v", onlyDenied)
	}

	byAgent, err := store.ListAssessments(ctx, AssessmentFilter{AgentID: "vm-2", Limit: 5})
	if err != nil {
		t.Fatalf("ListAssessments agent failed: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].AgentID != "vm-2" {
		t.Fatalf("unexpected agent filter result: %+v", byAgent)
	}
}

func TestSQLiteStoreDuplicateIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	a := domain.PolicyAssessment{AuditID: "dup", AgentID: "a", Action: domain.ActionStatus, Allowed: true, RiskLevel: 1, Timestamp: time.Now()}
	if err := store.SaveAssessment(ctx, a); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := store.SaveAssessment(ctx, a); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	n, err := store.CountAssessments(ctx)
	if err != nil {
		t.Fatalf("CountAssessments failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestSQLiteStorePruneBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now()
	old := domain.PolicyAssessment{AuditID: "old", AgentID: "a", Action: domain.ActionStatus, Timestamp: now.Add(-48 * time.Hour)}
	recent := domain.PolicyAssessment{AuditID: "new", AgentID: "a", Action: domain.ActionStatus, Timestamp: now}
	for _, a := range []domain.PolicyAssessment{old, recent} {
		if err := store.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	removed, err := store.PruneBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
	got, err := store.ListAssessments(ctx, AssessmentFilter{Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("ListAssessments failed: %v", err)
	}
	if len(got) != 1 || got[0].AuditID != "new" {
		t.Fatalf("unexpected remaining rows: %+v", got)
	}
}
