package domain

import "time"

// Task statuses. Transitions are pending -> running -> completed|failed,
// driven only by the worker that dequeued the task.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task is a unit of webhook processing work owned by the queue.
type Task struct {
	ID             string
	EventType      string
	Repository     string
	InstallationID int64
	Payload        map[string]any
	Status         string
	DedupHash      string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	Result         *ProcessingResult
}

// Terminal reports whether the task has finished, successfully or not.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// ProcessingResult is what an event processor returns to the queue.
type ProcessingResult struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// WebhookEvent is a validated inbound event. Constructed per request,
// never persisted.
type WebhookEvent struct {
	Type           string
	DeliveryID     string
	Repository     string
	Sender         string
	InstallationID int64
	Payload        map[string]any
}

// Rule is a governance rule loaded from a repository's rules file.
// Rules are decoded into this typed form once, at load time.
type Rule struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Severity    string      `yaml:"severity"`
	Events      []string    `yaml:"events"`
	Conditions  []Condition `yaml:"conditions"`
}

// AppliesTo reports whether the rule covers the given event type.
func (r Rule) AppliesTo(eventType string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Condition is a tagged variant: Type selects which of the typed fields
// are meaningful. Validation happens when the rules file is parsed.
type Condition struct {
	Type string `yaml:"type"`

	Pattern      string   `yaml:"pattern,omitempty"`      // branch_pattern, title_pattern
	Max          int      `yaml:"max,omitempty"`          // max_files
	Approvals    int      `yaml:"approvals,omitempty"`    // required_approvals
	Hours        []int    `yaml:"hours,omitempty"`        // blocked_hours (0-23, UTC)
	Weekdays     []string `yaml:"weekdays,omitempty"`     // blocked_weekdays
	Cron         string   `yaml:"cron,omitempty"`         // deploy_window activation schedule
	Duration     string   `yaml:"duration,omitempty"`     // deploy_window width
	Environments []string `yaml:"environments,omitempty"` // environment
}

// Violation is the outcome of a rule condition the event did not satisfy.
// Temporal is tagged by the evaluation engine: true means the violation is
// purely a function of wall-clock time and can clear on its own.
type Violation struct {
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	FixGuidance string `json:"fix_guidance,omitempty"`
	Temporal    bool   `json:"temporal"`
}

// PendingDeployment is a deployment-protection-rule evaluation that was
// blocked only by temporal violations and is waiting for the window to
// pass. Owned exclusively by the scheduler.
type PendingDeployment struct {
	ID             string
	DeploymentID   int64
	Repository     string
	InstallationID int64
	Environment    string
	EventData      map[string]any
	Rules          []Rule
	Violations     []Violation
	CallbackURL    string
	CreatedAt      time.Time
	LastCheckedAt  *time.Time
}

// Acknowledgment records a human override of a violation on a pull request.
type Acknowledgment struct {
	ID         string
	Repository string
	PRNumber   int
	RuleID     string
	Reason     string
	Author     string
	CreatedAt  time.Time
}
