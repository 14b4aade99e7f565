// Package repository persists policy assessments to SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// SQLiteStore stores audit entries in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the audit database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS assessments (
			audit_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			allowed INTEGER NOT NULL,
			risk_level INTEGER NOT NULL,
			compliance_level INTEGER NOT NULL,
			categories TEXT,
			findings TEXT,
			reason TEXT,
			command TEXT,
			command_hash TEXT,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_ts ON assessments(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_agent ON assessments(agent_id, ts)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveAssessment inserts an assessment. Re-saving the same audit id is a no-op.
func (s *SQLiteStore) SaveAssessment(ctx context.Context, a domain.PolicyAssessment) error {
	categories, err := json.Marshal(a.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	var findings []byte
	if len(a.Findings) > 0 {
		if findings, err = json.Marshal(a.Findings); err != nil {
			return fmt.Errorf("failed to encode findings: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assessments
			(audit_id, agent_id, action, allowed, risk_level, compliance_level, categories, findings, reason, command, command_hash, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AuditID, a.AgentID, string(a.Action), a.Allowed, a.RiskLevel, a.ComplianceLevel,
		string(categories), nullStringBytes(findings), nullString(a.Reason),
		nullString(a.Command), nullString(a.CommandHash), a.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}
	return nil
}

// AssessmentFilter narrows ListAssessments. Zero values match everything.
type AssessmentFilter struct {
	AgentID    string
	DeniedOnly bool
	Since      time.Time
	Limit      int
}

// ListAssessments returns stored assessments, newest first.
func (s *SQLiteStore) ListAssessments(ctx context.Context, f AssessmentFilter) ([]domain.PolicyAssessment, error) {
	query := `SELECT audit_id, agent_id, action, allowed, risk_level, compliance_level, categories, findings, reason, command, command_hash, ts
		FROM assessments WHERE 1 = 1`
	var args []interface{}

	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.DeniedOnly {
		query += ` AND allowed = 0`
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY ts DESC, audit_id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PolicyAssessment
	for rows.Next() {
		var a domain.PolicyAssessment
		var action string
		var categories, findings, reason, command, hash sql.NullString
		var ts int64
		if err := rows.Scan(&a.AuditID, &a.AgentID, &action, &a.Allowed, &a.RiskLevel, &a.ComplianceLevel,
			&categories, &findings, &reason, &command, &hash, &ts); err != nil {
			return nil, err
		}
		a.Action = domain.Action(action)
		a.Reason = reason.String
		a.Command = command.String
		a.CommandHash = hash.String
		a.Timestamp = time.UnixMilli(ts).UTC()
		if categories.Valid {
			if err := json.Unmarshal([]byte(categories.String), &a.Categories); err != nil {
				return nil, fmt.Errorf("failed to decode categories for %s: %w", a.AuditID, err)
			}
		}
		if findings.Valid {
			if err := json.Unmarshal([]byte(findings.String), &a.Findings); err != nil {
				return nil, fmt.Errorf("failed to decode findings for %s: %w", a.AuditID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssessments returns the number of stored assessments.
func (s *SQLiteStore) CountAssessments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assessments`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// PruneBefore deletes assessments older than cutoff and reports how many went.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assessments WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune assessments: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
