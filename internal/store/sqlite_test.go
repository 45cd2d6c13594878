package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"watchflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return New(db)
}

func TestRecordAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordEvent(ctx, EventRecord{
		TaskID:     "tsk_abc",
		EventType:  "pull_request",
		Repository: "acme/widgets",
		Status:     "completed",
		Violations: 2,
		DurationMS: 120,
	}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := s.RecordEvent(ctx, EventRecord{
		TaskID:     "tsk_def",
		EventType:  "push",
		Repository: "acme/widgets",
		Status:     "failed",
		Error:      "github unavailable",
	}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	events, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.TaskID == "tsk_def" && e.Error != "github unavailable" {
			t.Fatalf("error not persisted: %+v", e)
		}
	}
}

func TestRecordDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDecision(ctx, 4242, "acme/widgets", "production", "approved", "window cleared"); err != nil {
		t.Fatalf("record decision: %v", err)
	}
	decisions, err := s.RecentDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Decision != "approved" {
		t.Fatalf("decision not persisted: %+v", decisions)
	}
}

func TestAcknowledgmentLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Acknowledged(ctx, "acme/widgets", 42, "no-weekend-deploys")
	if err != nil {
		t.Fatalf("acknowledged: %v", err)
	}
	if ok {
		t.Fatal("unexpected acknowledgment before insert")
	}

	err = s.RecordAcknowledgment(ctx, domain.Acknowledgment{
		Repository: "acme/widgets",
		PRNumber:   42,
		RuleID:     "no-weekend-deploys",
		Reason:     "hotfix for production incident",
		Author:     "octocat",
	})
	if err != nil {
		t.Fatalf("record acknowledgment: %v", err)
	}

	ok, err = s.Acknowledged(ctx, "acme/widgets", 42, "no-weekend-deploys")
	if err != nil {
		t.Fatalf("acknowledged: %v", err)
	}
	if !ok {
		t.Fatal("acknowledgment not found after insert")
	}
}
