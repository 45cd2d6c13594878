// Package store persists the audit trail: processed-event outcomes,
// deployment decisions and acknowledgments. The live queue is deliberately
// not persisted; pending work does not survive a restart.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"watchflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  repository TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('completed','failed')),
  error TEXT,
  violations INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_repo ON events(repository, created_at DESC);
CREATE TABLE IF NOT EXISTS decisions (
  id TEXT PRIMARY KEY,
  deployment_id INTEGER NOT NULL,
  repository TEXT NOT NULL,
  environment TEXT NOT NULL,
  decision TEXT NOT NULL,
  reason TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_repo ON decisions(repository, created_at DESC);
CREATE TABLE IF NOT EXISTS acknowledgments (
  id TEXT PRIMARY KEY,
  repository TEXT NOT NULL,
  pr_number INTEGER NOT NULL,
  rule_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  author TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_acks_pr ON acknowledgments(repository, pr_number);
`
	_, err := db.Exec(schema)
	return err
}

// EventRecord is one processed task outcome.
type EventRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	EventType  string    `json:"event_type"`
	Repository string    `json:"repository"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Violations int       `json:"violations"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionRecord is one scheduler or processor deployment decision.
type DecisionRecord struct {
	ID           string    `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Repository   string    `json:"repository"`
	Environment  string    `json:"environment"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) RecordEvent(ctx context.Context, rec EventRecord) error {
	if rec.ID == "" {
		rec.ID = "evt_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (id,task_id,event_type,repository,status,error,violations,duration_ms)
VALUES (?,?,?,?,?,?,?,?)
`, rec.ID, rec.TaskID, rec.EventType, rec.Repository, rec.Status, rec.Error, rec.Violations, rec.DurationMS)
	return err
}

func (s *Store) RecordDecision(ctx context.Context, deploymentID int64, repo, environment, decision, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO decisions (id,deployment_id,repository,environment,decision,reason)
VALUES (?,?,?,?,?,?)
`, "dec_"+uuid.NewString(), deploymentID, repo, environment, decision, reason)
	return err
}

func (s *Store) RecordAcknowledgment(ctx context.Context, ack domain.Acknowledgment) error {
	id := ack.ID
	if id == "" {
		id = "ack_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO acknowledgments (id,repository,pr_number,rule_id,reason,author)
VALUES (?,?,?,?,?,?)
`, id, ack.Repository, ack.PRNumber, ack.RuleID, ack.Reason, ack.Author)
	return err
}

// Acknowledged reports whether the rule has been acknowledged on the PR.
func (s *Store) Acknowledged(ctx context.Context, repo string, prNumber int, ruleID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM acknowledgments WHERE repository=? AND pr_number=? AND rule_id=?
`, repo, prNumber, ruleID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,event_type,repository,status,error,violations,duration_ms,created_at
FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var errStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.EventType, &rec.Repository, &rec.Status, &errStr, &rec.Violations, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,deployment_id,repository,environment,decision,reason,created_at
FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.DeploymentID, &rec.Repository, &rec.Environment, &rec.Decision, &reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
