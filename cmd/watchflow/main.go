package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"watchflow/internal/api"
	"watchflow/internal/config"
	"watchflow/internal/dispatch"
	"watchflow/internal/domain"
	"watchflow/internal/github"
	"watchflow/internal/metrics"
	"watchflow/internal/process"
	"watchflow/internal/queue"
	"watchflow/internal/rules"
	"watchflow/internal/scheduler"
	"watchflow/internal/store"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		dbPath        = flag.String("db", "watchflow.db", "SQLite audit DB path")
		workers       = flag.Int("workers", 8, "number of worker goroutines")
		poll          = flag.Duration("poll", 250*time.Millisecond, "poll interval for queue workers")
		retention     = flag.Duration("retention", 24*time.Hour, "terminal task retention window")
		dedupSize     = flag.Int("dedup-size", 4096, "dedup cache capacity")
		checkInterval = flag.Duration("check-interval", 15*time.Minute, "pending deployment re-check interval")
		maxPending    = flag.Duration("max-pending", 7*24*time.Hour, "max age for a pending deployment")
		rulesTTL      = flag.Duration("rules-ttl", 5*time.Minute, "rules file cache TTL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	webhookSecret := config.GetString("WATCHFLOW_WEBHOOK_SECRET", "")
	if webhookSecret == "" {
		log.Fatal().Msg("WATCHFLOW_WEBHOOK_SECRET is required")
	}
	appID := config.GetInt64("WATCHFLOW_APP_ID", 0)
	keyPath := config.GetString("WATCHFLOW_APP_KEY_PATH", "")
	if appID == 0 || keyPath == "" {
		log.Fatal().Msg("WATCHFLOW_APP_ID and WATCHFLOW_APP_KEY_PATH are required")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", keyPath).Msg("read app key")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	audit := store.New(db)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gh, err := github.NewClient(appID, keyPEM, config.GetString("WATCHFLOW_API_BASE_URL", ""), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("github client")
	}

	engine := rules.NewEngine()
	provider := rules.NewProvider(gh, *rulesTTL, log.Logger)

	sched := scheduler.New(engine, gh, gh, audit, scheduler.Config{
		Interval: *checkInterval,
		MaxAge:   *maxPending,
		Logger:   log.Logger,
		Metrics:  m,
	})

	q := queue.New(queue.Config{
		DedupCapacity: *dedupSize,
		Retention:     *retention,
		Poll:          *poll,
		Logger:        log.Logger,
		Metrics:       m,
	})

	// Processors, each wrapped so its outcome lands in the audit trail.
	prProc := &process.PullRequest{Rules: provider, Engine: engine, Commenter: gh, Auditor: audit, Logger: log.Logger}
	pushProc := &process.Push{Rules: provider, Engine: engine, Logger: log.Logger}
	deployProc := &process.Deployment{Rules: provider, Engine: engine, Reviewer: gh, Registry: sched, Auditor: audit, Logger: log.Logger}
	ackProc := &process.Acknowledgment{Auditor: audit, Commenter: gh, Logger: log.Logger}

	d := dispatch.New(log.Logger)
	d.Register("pull_request", enqueueing(q, process.WithAudit(audit, prProc.Process)))
	d.Register("push", enqueueing(q, process.WithAudit(audit, pushProc.Process)))
	d.Register("deployment_protection_rule", enqueueing(q, process.WithAudit(audit, deployProc.Process)))
	d.Register("issue_comment", enqueueing(q, process.WithAudit(audit, ackProc.Process)))

	q.StartWorkers(*workers)
	sched.Start()

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer([]byte(webhookSecret), d, q, sched, audit, m, reg, log.Logger),
	}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop()
	q.StopWorkers()
}

// enqueueing adapts a queue handler into a dispatch handler: the webhook
// path only enqueues, the worker pool does the actual processing.
func enqueueing(q *queue.Queue, h queue.Handler) dispatch.Handler {
	return func(ctx context.Context, ev domain.WebhookEvent) (*domain.ProcessingResult, error) {
		if !q.Enqueue(h, ev) {
			return &domain.ProcessingResult{Success: true, Message: "duplicate delivery ignored"}, nil
		}
		return &domain.ProcessingResult{Success: true, Message: "queued"}, nil
	}
}
