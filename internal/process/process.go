// Package process holds the per-event-type processors invoked by queue
// workers. Processors evaluate governance rules against the event and act
// on the result through the GitHub client.
package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchflow/internal/domain"
	"watchflow/internal/queue"
	"watchflow/internal/store"
)

// RuleSource yields the rule set for a repository, or rules.ErrNotConfigured.
type RuleSource interface {
	Get(ctx context.Context, repo string, installationID int64) ([]domain.Rule, error)
}

// Evaluator runs rules against an event payload.
type Evaluator interface {
	Evaluate(eventType string, payload map[string]any, rules []domain.Rule) []domain.Violation
}

// Reviewer answers deployment protection gates.
type Reviewer interface {
	ReviewDeployment(ctx context.Context, installationID int64, callbackURL, environment, state, comment string) error
}

// Commenter posts PR/issue comments.
type Commenter interface {
	CreateComment(ctx context.Context, installationID int64, repo string, issueNumber int, text string) error
}

// DeploymentRegistry accepts deployments blocked only by temporal windows.
type DeploymentRegistry interface {
	Add(pd domain.PendingDeployment)
}

// Auditor is the slice of the store the processors write to.
type Auditor interface {
	RecordDecision(ctx context.Context, deploymentID int64, repo, environment, decision, reason string) error
	RecordAcknowledgment(ctx context.Context, ack domain.Acknowledgment) error
	Acknowledged(ctx context.Context, repo string, prNumber int, ruleID string) (bool, error)
}

// EventRecorder persists processed-task outcomes.
type EventRecorder interface {
	RecordEvent(ctx context.Context, rec store.EventRecord) error
}

// WithAudit wraps a queue handler so every terminal outcome lands in the
// audit store. Recording failures are swallowed: the audit trail must never
// fail a task.
func WithAudit(rec EventRecorder, h queue.Handler) queue.Handler {
	return func(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
		start := time.Now()
		res, err := h(ctx, task)

		record := store.EventRecord{
			TaskID:     task.ID,
			EventType:  task.EventType,
			Repository: task.Repository,
			Status:     "completed",
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			record.Status = "failed"
			record.Error = err.Error()
		} else if res != nil {
			record.Violations = len(res.Violations)
		}
		_ = rec.RecordEvent(ctx, record)
		return res, err
	}
}

// formatViolations renders a violation summary for a PR comment or a
// rejection message.
func formatViolations(violations []domain.Violation) string {
	b := strings.Builder{}
	b.WriteString("The following governance rules were not satisfied:\n\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "- **%s** (%s): %s", v.RuleName, v.Severity, v.Message)
		if v.FixGuidance != "" {
			fmt.Fprintf(&b, " _%s._", strings.TrimSuffix(v.FixGuidance, "."))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func temporalOnly(violations []domain.Violation) bool {
	if len(violations) == 0 {
		return false
	}
	for _, v := range violations {
		if !v.Temporal {
			return false
		}
	}
	return true
}
