// Package scheduler resolves deployment gates that were blocked only by
// temporal rule violations. Entries are re-evaluated on a fixed interval
// against their stored event snapshot; once the blocking window has passed
// the deployment is approved through its callback URL.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/metrics"
)

// Evaluator re-runs the rule evaluation used for the original webhook.
type Evaluator interface {
	Evaluate(eventType string, payload map[string]any, rules []domain.Rule) []domain.Violation
}

// ReviewSink issues the approval callback. Best effort: a failed call is
// logged, not retried beyond the client's own backoff.
type ReviewSink interface {
	ReviewDeployment(ctx context.Context, installationID int64, callbackURL, environment, state, comment string) error
}

// CredentialProvider refreshes the installation token before each re-check;
// tokens expire well inside the retention window.
type CredentialProvider interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// DecisionRecorder persists scheduler outcomes for the audit trail.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, deploymentID int64, repo, environment, decision, reason string) error
}

const (
	defaultInterval = 15 * time.Minute
	defaultMaxAge   = 7 * 24 * time.Hour
)

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Service struct {
	evaluator Evaluator
	sink      ReviewSink
	creds     CredentialProvider
	recorder  DecisionRecorder
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	maxAge    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending []*domain.PendingDeployment
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// checkMu serializes whole re-evaluation cycles. The ticker loop and the
	// force-check endpoint both call CheckPending; overlapping cycles would
	// snapshot the same entry and approve it twice.
	checkMu sync.Mutex
}

func New(evaluator Evaluator, sink ReviewSink, creds CredentialProvider, recorder DecisionRecorder, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return &Service{
		evaluator: evaluator,
		sink:      sink,
		creds:     creds,
		recorder:  recorder,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		maxAge:    cfg.MaxAge,
		now:       time.Now,
	}
}

// Start launches the polling loop. Calling Start on a running scheduler is
// a logged no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("scheduler already running, start ignored")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info().Dur("interval", s.interval).Msg("deployment scheduler started")
}

// Stop cancels the loop and waits for it to drain. No background activity
// survives Stop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info().Msg("deployment scheduler stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.CheckPending(ctx)
		}
	}
}

// Add registers a deployment blocked solely by temporal violations.
// Malformed entries are refused with a logged error rather than an error
// return: callers sit on request paths that must not fail, and a refused
// entry simply leaves the deployment gated on GitHub's side.
func (s *Service) Add(pd domain.PendingDeployment) {
	if pd.DeploymentID == 0 || pd.Repository == "" || pd.Environment == "" || pd.CallbackURL == "" {
		s.logger.Error().
			Int64("deployment_id", pd.DeploymentID).
			Str("repository", pd.Repository).
			Str("environment", pd.Environment).
			Msg("refusing malformed pending deployment")
		return
	}
	hasNonTemporal := len(pd.Violations) == 0
	for _, v := range pd.Violations {
		if !v.Temporal {
			hasNonTemporal = true
			break
		}
	}
	if hasNonTemporal {
		s.logger.Error().
			Int64("deployment_id", pd.DeploymentID).
			Str("repository", pd.Repository).
			Msg("refusing pending deployment: violations are not purely temporal")
		return
	}
	if pd.ID == "" {
		pd.ID = uuid.NewString()
	}
	if pd.CreatedAt.IsZero() {
		pd.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.pending = append(s.pending, &pd)
	n := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerPending.Set(float64(n))
	}
	s.logger.Info().
		Int64("deployment_id", pd.DeploymentID).
		Str("repository", pd.Repository).
		Str("environment", pd.Environment).
		Int("violations", len(pd.Violations)).
		Msg("deployment waiting on temporal window")
}

// CheckPending runs one re-evaluation cycle. It is the ticker callback and
// is also exposed for the force-check endpoint and tests. Cycles never
// overlap: a concurrent call blocks until the running cycle finishes, so an
// entry approved and removed by one cycle is gone before the next snapshot.
func (s *Service) CheckPending(ctx context.Context) {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	s.mu.Lock()
	snapshot := make([]*domain.PendingDeployment, len(s.pending))
	copy(snapshot, s.pending)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	now := s.now()
	var remove []string
	for _, pd := range snapshot {
		if s.checkOne(ctx, pd, now) {
			remove = append(remove, pd.ID)
		}
	}
	if len(remove) == 0 {
		return
	}

	s.mu.Lock()
	kept := s.pending[:0]
	for _, pd := range s.pending {
		if !contains(remove, pd.ID) {
			kept = append(kept, pd)
		}
	}
	s.pending = kept
	n := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerPending.Set(float64(n))
	}
}

// checkOne re-evaluates a single entry and reports whether it should be
// removed from the pending set.
func (s *Service) checkOne(ctx context.Context, pd *domain.PendingDeployment, now time.Time) bool {
	logger := s.logger.With().
		Int64("deployment_id", pd.DeploymentID).
		Str("repository", pd.Repository).
		Str("environment", pd.Environment).
		Logger()

	if now.Sub(pd.CreatedAt) > s.maxAge {
		logger.Warn().Time("created_at", pd.CreatedAt).Msg("pending deployment expired without approval")
		if s.metrics != nil {
			s.metrics.SchedulerExpired.Inc()
		}
		s.record(ctx, pd, "expired", "exceeded max pending age")
		return true
	}

	// Tokens created before the entry may be long dead; refresh first. A
	// refresh failure skips this cycle, the next one is the retry.
	if _, err := s.creds.InstallationToken(ctx, pd.InstallationID); err != nil {
		logger.Error().Err(err).Msg("credential refresh failed, will retry next cycle")
		return false
	}

	// Same snapshot, current clock: only temporal predicates can change.
	violations := s.evaluator.Evaluate("deployment_protection_rule", pd.EventData, pd.Rules)
	checked := s.now()
	s.mu.Lock()
	pd.LastCheckedAt = &checked
	s.mu.Unlock()

	if len(violations) == 0 {
		if err := s.sink.ReviewDeployment(ctx, pd.InstallationID, pd.CallbackURL, pd.Environment, "approved",
			"Watchflow: temporal restrictions have cleared, deployment approved."); err != nil {
			// Best effort. The entry still leaves pending; the deployment
			// may stay gated on GitHub's side.
			logger.Error().Err(err).Msg("approval callback failed")
			s.record(ctx, pd, "approval_failed", err.Error())
			return true
		}
		logger.Info().Msg("pending deployment approved")
		if s.metrics != nil {
			s.metrics.SchedulerApprovals.Inc()
		}
		s.record(ctx, pd, "approved", "temporal window cleared")
		return true
	}

	for _, v := range violations {
		if !v.Temporal {
			// Non-temporal violations never self-resolve; polling further
			// is wasted work. Dropped without approval.
			logger.Warn().Str("rule_id", v.RuleID).Msg("non-temporal violation on re-check, dropping entry")
			if s.metrics != nil {
				s.metrics.SchedulerDropped.Inc()
			}
			s.record(ctx, pd, "dropped", "non-temporal violation: "+v.Message)
			return true
		}
	}

	logger.Debug().Int("violations", len(violations)).Msg("still inside blocked window")
	return false
}

func (s *Service) record(ctx context.Context, pd *domain.PendingDeployment, decision, reason string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordDecision(ctx, pd.DeploymentID, pd.Repository, pd.Environment, decision, reason); err != nil {
		s.logger.Error().Err(err).Int64("deployment_id", pd.DeploymentID).Msg("audit record failed")
	}
}

type PendingStatus struct {
	DeploymentID  int64      `json:"deployment_id"`
	Repository    string     `json:"repository"`
	Environment   string     `json:"environment"`
	Violations    int        `json:"violations"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

type Status struct {
	Running      bool            `json:"running"`
	PendingCount int             `json:"pending_count"`
	Pending      []PendingStatus `json:"pending_deployments"`
}

// Status returns a read-only snapshot for the admin API.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, PendingCount: len(s.pending), Pending: []PendingStatus{}}
	for _, pd := range s.pending {
		st.Pending = append(st.Pending, PendingStatus{
			DeploymentID:  pd.DeploymentID,
			Repository:    pd.Repository,
			Environment:   pd.Environment,
			Violations:    len(pd.Violations),
			CreatedAt:     pd.CreatedAt,
			LastCheckedAt: pd.LastCheckedAt,
		})
	}
	return st
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
