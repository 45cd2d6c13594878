package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/rules"
)

// Deployment answers deployment protection rule gates. Three outcomes:
// zero violations approves the gate, purely temporal violations park the
// deployment with the scheduler (the gate stays open on GitHub's side until
// the window clears), anything else rejects.
type Deployment struct {
	Rules    RuleSource
	Engine   Evaluator
	Reviewer Reviewer
	Registry DeploymentRegistry
	Auditor  Auditor
	Logger   zerolog.Logger
}

func (p *Deployment) Process(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
	environment := payloadStr(task.Payload, "environment")
	callbackURL := payloadStr(task.Payload, "deployment_callback_url")
	deploymentID := int64(payloadInt(task.Payload, "deployment", "id"))

	if callbackURL == "" {
		return nil, errors.New("payload has no deployment_callback_url")
	}

	rs, err := p.Rules.Get(ctx, task.Repository, task.InstallationID)
	if errors.Is(err, rules.ErrNotConfigured) {
		// Not configured means no enforcement: the gate must not hold the
		// deployment hostage.
		if err := p.Reviewer.ReviewDeployment(ctx, task.InstallationID, callbackURL, environment, "approved",
			"Watchflow: no rules configured for this repository."); err != nil {
			return nil, fmt.Errorf("approve unconfigured repository: %w", err)
		}
		p.record(ctx, deploymentID, task.Repository, environment, "approved", "no rules configured")
		return &domain.ProcessingResult{Success: true, Message: "approved, no rules configured"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	violations := p.Engine.Evaluate(task.EventType, task.Payload, rs)

	switch {
	case len(violations) == 0:
		if err := p.Reviewer.ReviewDeployment(ctx, task.InstallationID, callbackURL, environment, "approved",
			"Watchflow: all governance rules satisfied."); err != nil {
			return nil, fmt.Errorf("approve deployment: %w", err)
		}
		p.record(ctx, deploymentID, task.Repository, environment, "approved", "all rules satisfied")
		return &domain.ProcessingResult{Success: true, Message: "deployment approved"}, nil

	case temporalOnly(violations):
		// Leave the gate pending and let the scheduler approve once the
		// window passes. Rejecting here would kill the deployment for good.
		p.Registry.Add(domain.PendingDeployment{
			DeploymentID:   deploymentID,
			Repository:     task.Repository,
			InstallationID: task.InstallationID,
			Environment:    environment,
			EventData:      task.Payload,
			Rules:          rs,
			Violations:     violations,
			CallbackURL:    callbackURL,
		})
		p.record(ctx, deploymentID, task.Repository, environment, "deferred", "waiting on temporal window")
		return &domain.ProcessingResult{
			Success:    false,
			Message:    "deployment deferred until the blocking window passes",
			Violations: violations,
		}, nil

	default:
		if err := p.Reviewer.ReviewDeployment(ctx, task.InstallationID, callbackURL, environment, "rejected",
			formatViolations(violations)); err != nil {
			return nil, fmt.Errorf("reject deployment: %w", err)
		}
		p.record(ctx, deploymentID, task.Repository, environment, "rejected",
			fmt.Sprintf("%d violation(s)", len(violations)))
		return &domain.ProcessingResult{
			Success:    false,
			Message:    "deployment rejected",
			Violations: violations,
		}, nil
	}
}

func (p *Deployment) record(ctx context.Context, deploymentID int64, repo, environment, decision, reason string) {
	if p.Auditor == nil {
		return
	}
	if err := p.Auditor.RecordDecision(ctx, deploymentID, repo, environment, decision, reason); err != nil {
		p.Logger.Error().Err(err).Int64("deployment_id", deploymentID).Msg("decision record failed")
	}
}
