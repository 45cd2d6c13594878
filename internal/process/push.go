package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/rules"
)

// Push evaluates push events. Pushes cannot be blocked retroactively, so
// violations are reported, not enforced.
type Push struct {
	Rules  RuleSource
	Engine Evaluator
	Logger zerolog.Logger
}

func (p *Push) Process(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
	rs, err := p.Rules.Get(ctx, task.Repository, task.InstallationID)
	if errors.Is(err, rules.ErrNotConfigured) {
		return &domain.ProcessingResult{Success: true, Message: "repository has no rules configured"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	violations := p.Engine.Evaluate(task.EventType, task.Payload, rs)
	if len(violations) == 0 {
		return &domain.ProcessingResult{Success: true, Message: "all rules satisfied"}, nil
	}
	for _, v := range violations {
		p.Logger.Warn().
			Str("repository", task.Repository).
			Str("ref", payloadStr(task.Payload, "ref")).
			Str("rule_id", v.RuleID).
			Str("message", v.Message).
			Msg("push violated governance rule")
	}
	return &domain.ProcessingResult{
		Success:    false,
		Message:    fmt.Sprintf("%d rule violation(s)", len(violations)),
		Violations: violations,
	}, nil
}
