package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"watchflow/internal/domain"
)

const defaultWindowWidth = time.Hour

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Engine evaluates typed rules against event payloads. Temporal conditions
// (blocked_hours, blocked_weekdays, deploy_window) are judged against the
// current wall clock, which is what lets a blocked window clear on its own,
// and their violations are tagged Temporal at evaluation time.
type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Evaluate runs every applicable rule and returns the violations found.
// A nil or empty rule set yields no violations.
func (e *Engine) Evaluate(eventType string, payload map[string]any, rules []domain.Rule) []domain.Violation {
	var out []domain.Violation
	now := e.now().UTC()
	for _, rule := range rules {
		if !rule.AppliesTo(eventType) {
			continue
		}
		if !environmentInScope(rule, payload) {
			continue
		}
		for _, cond := range rule.Conditions {
			if v, violated := e.check(rule, cond, eventType, payload, now); violated {
				out = append(out, v)
			}
		}
	}
	return out
}

func (e *Engine) check(rule domain.Rule, cond domain.Condition, eventType string, payload map[string]any, now time.Time) (domain.Violation, bool) {
	switch cond.Type {
	case CondBranchPattern:
		branch := branchOf(eventType, payload)
		if branch == "" {
			return domain.Violation{}, false
		}
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return domain.Violation{}, false
		}
		if re.MatchString(branch) {
			return violation(rule, false,
				fmt.Sprintf("branch %q is restricted by pattern %q", branch, cond.Pattern),
				"target a branch not covered by the restriction, or acknowledge the rule"), true
		}
	case CondTitlePattern:
		title := lookupStr(payload, "pull_request", "title")
		if title == "" {
			return domain.Violation{}, false
		}
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return domain.Violation{}, false
		}
		if !re.MatchString(title) {
			return violation(rule, false,
				fmt.Sprintf("title %q does not match required pattern %q", title, cond.Pattern),
				"rename the pull request to match the required format"), true
		}
	case CondMaxFiles:
		changed := lookupInt(payload, "pull_request", "changed_files")
		if changed > cond.Max {
			return violation(rule, false,
				fmt.Sprintf("%d files changed, limit is %d", changed, cond.Max),
				"split the change into smaller pull requests"), true
		}
	case CondRequiredApprovals:
		approvals := lookupInt(payload, "pull_request", "approvals")
		if approvals < cond.Approvals {
			return violation(rule, false,
				fmt.Sprintf("%d of %d required approvals", approvals, cond.Approvals),
				"request additional reviews"), true
		}
	case CondBlockedHours:
		for _, h := range cond.Hours {
			if now.Hour() == h {
				return violation(rule, true,
					fmt.Sprintf("hour %02d:00 UTC is inside a blocked window", now.Hour()),
					"wait for the blocked hours to pass"), true
			}
		}
	case CondBlockedWeekdays:
		for _, d := range cond.Weekdays {
			if wd, ok := weekdayNames[strings.ToLower(d)]; ok && wd == now.Weekday() {
				return violation(rule, true,
					fmt.Sprintf("deployments are blocked on %s", now.Weekday()),
					"wait for the next allowed weekday"), true
			}
		}
	case CondDeployWindow:
		if !withinWindow(cond, now) {
			return violation(rule, true,
				"current time is outside the allowed deploy window",
				"wait for the next window to open"), true
		}
	}
	return domain.Violation{}, false
}

// withinWindow reports whether now falls inside an activation of the cron
// schedule: [activation, activation+duration).
func withinWindow(cond domain.Condition, now time.Time) bool {
	sched, err := cron.ParseStandard(cond.Cron)
	if err != nil {
		return true
	}
	width := defaultWindowWidth
	if cond.Duration != "" {
		if d, err := parseDuration(cond.Duration); err == nil {
			width = d
		}
	}
	activation := sched.Next(now.Add(-width))
	return !activation.After(now) && now.Before(activation.Add(width))
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

// environmentInScope treats an environment condition as a scoping guard:
// when the rule names environments and the event targets another one, the
// whole rule is skipped.
func environmentInScope(rule domain.Rule, payload map[string]any) bool {
	for _, cond := range rule.Conditions {
		if cond.Type != CondEnvironment {
			continue
		}
		env := lookupStr(payload, "environment")
		if env == "" {
			env = lookupStr(payload, "deployment", "environment")
		}
		for _, want := range cond.Environments {
			if strings.EqualFold(env, want) {
				return true
			}
		}
		return false
	}
	return true
}

func branchOf(eventType string, payload map[string]any) string {
	switch eventType {
	case "push":
		return strings.TrimPrefix(lookupStr(payload, "ref"), "refs/heads/")
	case "pull_request":
		return lookupStr(payload, "pull_request", "base", "ref")
	case "deployment_protection_rule":
		return lookupStr(payload, "deployment", "ref")
	default:
		return ""
	}
}

func violation(rule domain.Rule, temporal bool, msg, fix string) domain.Violation {
	return domain.Violation{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Message:     msg,
		FixGuidance: fix,
		Temporal:    temporal,
	}
}

func lookupStr(payload map[string]any, path ...string) string {
	v := lookup(payload, path...)
	s, _ := v.(string)
	return s
}

func lookupInt(payload map[string]any, path ...string) int {
	switch v := lookup(payload, path...).(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func lookup(payload map[string]any, path ...string) any {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}
