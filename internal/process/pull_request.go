package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/rules"
)

// PullRequest evaluates PR events and surfaces violations as a comment.
// Acknowledged rules are filtered out before reporting.
type PullRequest struct {
	Rules     RuleSource
	Engine    Evaluator
	Commenter Commenter
	Auditor   Auditor
	Logger    zerolog.Logger
}

func (p *PullRequest) Process(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
	rs, err := p.Rules.Get(ctx, task.Repository, task.InstallationID)
	if errors.Is(err, rules.ErrNotConfigured) {
		return &domain.ProcessingResult{Success: true, Message: "repository has no rules configured"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	violations := p.Engine.Evaluate(task.EventType, task.Payload, rs)
	prNumber := payloadInt(task.Payload, "pull_request", "number")
	violations = p.withoutAcknowledged(ctx, task.Repository, prNumber, violations)

	if len(violations) == 0 {
		return &domain.ProcessingResult{Success: true, Message: "all rules satisfied"}, nil
	}

	if prNumber > 0 && p.Commenter != nil {
		if err := p.Commenter.CreateComment(ctx, task.InstallationID, task.Repository, prNumber, formatViolations(violations)); err != nil {
			// Best effort: the evaluation result stands even if the comment
			// does not land.
			p.Logger.Error().Err(err).
				Str("repository", task.Repository).
				Int("pr", prNumber).
				Msg("violation comment failed")
		}
	}
	return &domain.ProcessingResult{
		Success:    false,
		Message:    fmt.Sprintf("%d rule violation(s)", len(violations)),
		Violations: violations,
	}, nil
}

func (p *PullRequest) withoutAcknowledged(ctx context.Context, repo string, prNumber int, violations []domain.Violation) []domain.Violation {
	if p.Auditor == nil || prNumber <= 0 {
		return violations
	}
	kept := violations[:0]
	for _, v := range violations {
		acked, err := p.Auditor.Acknowledged(ctx, repo, prNumber, v.RuleID)
		if err != nil {
			p.Logger.Error().Err(err).Str("rule_id", v.RuleID).Msg("acknowledgment lookup failed")
		}
		if !acked {
			kept = append(kept, v)
		}
	}
	return kept
}

func payloadInt(payload map[string]any, path ...string) int {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0
		}
		cur, ok = m[key]
		if !ok {
			return 0
		}
	}
	switch v := cur.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func payloadStr(payload map[string]any, path ...string) string {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}
