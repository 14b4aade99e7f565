// Package helpers holds shared fixtures for package tests.
package helpers

import (
	"testing"

	"github.com/xiaot623/agentfleet/internal/repository"
)

// NewTestSQLiteStore returns an in-memory audit store closed on test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
