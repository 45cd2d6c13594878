// Package rules loads governance rules from a repository's
// .watchflow/rules.yaml and evaluates webhook events against them.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"watchflow/internal/domain"
)

// ErrNotConfigured marks the legitimate "no rules file" state. Enforcement
// is skipped for repositories without configuration; this is not a failure.
var ErrNotConfigured = errors.New("rules: repository not configured")

// DefaultPath is where rules live inside a repository.
const DefaultPath = ".watchflow/rules.yaml"

type ruleFile struct {
	Version int           `yaml:"version"`
	Rules   []domain.Rule `yaml:"rules"`
}

// Condition types understood by the engine.
const (
	CondBranchPattern     = "branch_pattern"
	CondTitlePattern      = "title_pattern"
	CondMaxFiles          = "max_files"
	CondRequiredApprovals = "required_approvals"
	CondBlockedHours      = "blocked_hours"
	CondBlockedWeekdays   = "blocked_weekdays"
	CondDeployWindow      = "deploy_window"
	CondEnvironment       = "environment"
)

// Parse decodes and validates a rules file. Rules are typed here, once;
// nothing downstream inspects raw yaml.
func Parse(data []byte) ([]domain.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	for i := range f.Rules {
		if err := validateRule(&f.Rules[i]); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

func validateRule(r *domain.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rules: rule %q has no id", r.Name)
	}
	if r.Severity == "" {
		r.Severity = "medium"
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rules: rule %q has no conditions", r.ID)
	}
	for _, c := range r.Conditions {
		if err := validateCondition(r.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(ruleID string, c domain.Condition) error {
	switch c.Type {
	case CondBranchPattern, CondTitlePattern:
		if c.Pattern == "" {
			return fmt.Errorf("rules: rule %q: %s requires a pattern", ruleID, c.Type)
		}
	case CondMaxFiles:
		if c.Max <= 0 {
			return fmt.Errorf("rules: rule %q: max_files requires max > 0", ruleID)
		}
	case CondRequiredApprovals:
		if c.Approvals <= 0 {
			return fmt.Errorf("rules: rule %q: required_approvals requires approvals > 0", ruleID)
		}
	case CondBlockedHours:
		if len(c.Hours) == 0 {
			return fmt.Errorf("rules: rule %q: blocked_hours requires hours", ruleID)
		}
		for _, h := range c.Hours {
			if h < 0 || h > 23 {
				return fmt.Errorf("rules: rule %q: hour %d out of range", ruleID, h)
			}
		}
	case CondBlockedWeekdays:
		if len(c.Weekdays) == 0 {
			return fmt.Errorf("rules: rule %q: blocked_weekdays requires weekdays", ruleID)
		}
		for _, d := range c.Weekdays {
			if _, ok := weekdayNames[strings.ToLower(d)]; !ok {
				return fmt.Errorf("rules: rule %q: unknown weekday %q", ruleID, d)
			}
		}
	case CondDeployWindow:
		if _, err := cron.ParseStandard(c.Cron); err != nil {
			return fmt.Errorf("rules: rule %q: invalid deploy_window cron: %w", ruleID, err)
		}
		if c.Duration != "" {
			if _, err := parseDuration(c.Duration); err != nil {
				return fmt.Errorf("rules: rule %q: invalid deploy_window duration: %w", ruleID, err)
			}
		}
	case CondEnvironment:
		if len(c.Environments) == 0 {
			return fmt.Errorf("rules: rule %q: environment requires environments", ruleID)
		}
	default:
		return fmt.Errorf("rules: rule %q: unknown condition type %q", ruleID, c.Type)
	}
	return nil
}
