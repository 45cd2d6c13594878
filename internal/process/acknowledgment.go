package process

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
)

// ackCommand matches "/watchflow ack <rule-id>: <reason>" at the start of a
// comment line.
var ackCommand = regexp.MustCompile(`(?m)^/watchflow ack ([A-Za-z0-9_-]+):\s*(\S.*)$`)

// Acknowledgment handles issue_comment events: a rule acknowledgment on a
// pull request records a human override so later evaluations skip the rule.
type Acknowledgment struct {
	Auditor   Auditor
	Commenter Commenter
	Logger    zerolog.Logger
}

func (p *Acknowledgment) Process(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
	body := payloadStr(task.Payload, "comment", "body")
	matches := ackCommand.FindStringSubmatch(body)
	if matches == nil {
		return &domain.ProcessingResult{Success: true, Message: "not an acknowledgment command"}, nil
	}

	// Acknowledgments only make sense on pull requests; a plain issue
	// comment with the command is ignored.
	if payloadStr(task.Payload, "issue", "pull_request", "url") == "" {
		return &domain.ProcessingResult{Success: true, Message: "ignored: comment is not on a pull request"}, nil
	}

	prNumber := payloadInt(task.Payload, "issue", "number")
	ruleID := matches[1]
	reason := strings.TrimSpace(matches[2])
	author := payloadStr(task.Payload, "comment", "user", "login")

	ack := domain.Acknowledgment{
		Repository: task.Repository,
		PRNumber:   prNumber,
		RuleID:     ruleID,
		Reason:     reason,
		Author:     author,
	}
	if err := p.Auditor.RecordAcknowledgment(ctx, ack); err != nil {
		return nil, fmt.Errorf("record acknowledgment: %w", err)
	}
	p.Logger.Info().
		Str("repository", task.Repository).
		Int("pr", prNumber).
		Str("rule_id", ruleID).
		Str("author", author).
		Msg("rule acknowledged")

	if p.Commenter != nil {
		reply := fmt.Sprintf("Acknowledged rule `%s` for this pull request (by @%s): %s", ruleID, author, reason)
		if err := p.Commenter.CreateComment(ctx, task.InstallationID, task.Repository, prNumber, reply); err != nil {
			p.Logger.Error().Err(err).Int("pr", prNumber).Msg("acknowledgment reply failed")
		}
	}
	return &domain.ProcessingResult{Success: true, Message: "acknowledgment recorded"}, nil
}
