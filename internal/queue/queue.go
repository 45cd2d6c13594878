// Package queue implements the in-memory task queue that decouples webhook
// acknowledgment from processing. Tasks are deduplicated by content hash at
// enqueue time and drained oldest-first by a pool of workers. Nothing is
// persisted: pending work is lost across a restart.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/event"
	"watchflow/internal/metrics"
)

// Handler processes a dequeued task. The task is a read reference owned by
// the queue; handlers must not mutate it.
type Handler func(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error)

const (
	defaultDedupCapacity = 4096
	defaultRetention     = 24 * time.Hour
	defaultPoll          = 250 * time.Millisecond
	cleanupEvery         = 10 * time.Minute
)

type Config struct {
	DedupCapacity int
	Retention     time.Duration
	Poll          time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

type entry struct {
	task    *domain.Task
	handler Handler
}

type Queue struct {
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	poll      time.Duration
	capacity  int
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	dedup   *lru.Cache[string, string]

	running     bool
	workerCount int
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = defaultDedupCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	cache, _ := lru.New[string, string](cfg.DedupCapacity)
	return &Queue{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		retention: cfg.Retention,
		poll:      cfg.Poll,
		capacity:  cfg.DedupCapacity,
		now:       time.Now,
		entries:   map[string]*entry{},
		dedup:     cache,
	}
}

// Enqueue creates a pending task for the event unless an active task with
// the same dedup hash already holds the slot, in which case it returns
// false and the delivery is dropped. The hash is computed once here and is
// immutable for the task's lifetime. The event's delivery id never enters
// the hash: a redelivered webhook carries a fresh GUID but identical
// content, and collapsing those is the whole point of the hash.
func (q *Queue) Enqueue(handler Handler, ev domain.WebhookEvent) bool {
	return q.enqueue(handler, ev, "")
}

// EnqueueWithSalt folds an extra salt into the dedup hash so identical
// content occupies a distinct slot. This is the escape hatch for redelivery
// testing; normal ingress goes through Enqueue.
func (q *Queue) EnqueueWithSalt(handler Handler, ev domain.WebhookEvent, salt string) bool {
	return q.enqueue(handler, ev, salt)
}

func (q *Queue) enqueue(handler Handler, ev domain.WebhookEvent, salt string) bool {
	hash := event.Hash(ev.Type, ev.Payload, salt)

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.dedup.Get(hash); ok {
		if q.metrics != nil {
			q.metrics.TasksDeduplicated.Inc()
		}
		q.logger.Debug().
			Str("event_type", ev.Type).
			Str("repository", ev.Repository).
			Str("task_id", id).
			Msg("duplicate delivery dropped")
		return false
	}

	// Task IDs are independent of the hash: the dedup cache is bounded, and
	// once it evicts a slot the same content may be enqueued again while the
	// earlier task is still live. Hash-derived IDs would collide then.
	task := &domain.Task{
		ID:             "tsk_" + uuid.NewString(),
		EventType:      ev.Type,
		Repository:     ev.Repository,
		InstallationID: ev.InstallationID,
		Payload:        ev.Payload,
		Status:         domain.TaskPending,
		DedupHash:      hash,
		CreatedAt:      q.now(),
	}
	q.entries[task.ID] = &entry{task: task, handler: handler}
	q.dedup.Add(hash, task.ID)

	if q.metrics != nil {
		q.metrics.TasksEnqueued.Inc()
		q.metrics.QueueDepth.Inc()
		q.metrics.DedupCacheSize.Set(float64(q.dedup.Len()))
	}
	q.logger.Info().
		Str("task_id", task.ID).
		Str("event_type", ev.Type).
		Str("repository", ev.Repository).
		Msg("task enqueued")
	return true
}

// StartWorkers spawns n worker loops plus the retention sweeper. Calling it
// while workers are already running is a logged no-op, never a double spawn.
func (q *Queue) StartWorkers(n int) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		q.logger.Warn().Msg("workers already running, start ignored")
		return
	}
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	q.workerCount = n
	q.mu.Unlock()

	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}
	q.wg.Add(1)
	go q.sweepLoop(ctx)

	q.logger.Info().Int("workers", n).Msg("worker pool started")
}

// StopWorkers signals all workers to stop after their current unit of work
// and waits for them. Pending tasks stay pending.
func (q *Queue) StopWorkers() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()

	q.mu.Lock()
	q.running = false
	q.workerCount = 0
	q.cancel = nil
	q.mu.Unlock()
	q.logger.Info().Msg("worker pool stopped")
}

func (q *Queue) workerLoop(ctx context.Context, id int) {
	defer q.wg.Done()
	t := time.NewTicker(q.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for {
				e := q.takeOldest()
				if e == nil {
					break
				}
				q.process(ctx, id, e)
			}
		}
	}
}

// takeOldest claims the oldest pending task by creation time. Creation time,
// not insertion order, decides priority so racing enqueues still drain in a
// stable order.
func (q *Queue) takeOldest() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *entry
	for _, e := range q.entries {
		if e.task.Status != domain.TaskPending {
			continue
		}
		if oldest == nil || e.task.CreatedAt.Before(oldest.task.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	started := q.now()
	oldest.task.Status = domain.TaskRunning
	oldest.task.StartedAt = &started
	if q.metrics != nil {
		q.metrics.QueueDepth.Dec()
	}
	return oldest
}

// process runs the handler and records the terminal state. Handler errors
// and panics are captured here; they never take down the worker loop.
func (q *Queue) process(ctx context.Context, workerID int, e *entry) {
	task := e.task
	started := q.now()

	defer func() {
		if r := recover(); r != nil {
			q.finish(task, nil, fmt.Errorf("handler panic: %v", r))
		}
		if q.metrics != nil {
			q.metrics.TaskDuration.Observe(q.now().Sub(started).Seconds())
		}
	}()

	q.logger.Debug().
		Int("worker", workerID).
		Str("task_id", task.ID).
		Str("event_type", task.EventType).
		Msg("task started")

	res, err := e.handler(ctx, task)
	q.finish(task, res, err)
}

func (q *Queue) finish(task *domain.Task, res *domain.ProcessingResult, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.Terminal() {
		return
	}
	done := q.now()
	task.CompletedAt = &done
	if err != nil {
		task.Status = domain.TaskFailed
		task.Error = err.Error()
		if q.metrics != nil {
			q.metrics.TasksFailed.Inc()
		}
		q.logger.Error().Err(err).
			Str("task_id", task.ID).
			Str("event_type", task.EventType).
			Str("repository", task.Repository).
			Msg("task failed")
		return
	}
	task.Status = domain.TaskCompleted
	task.Result = res
	q.logger.Info().
		Str("task_id", task.ID).
		Str("event_type", task.EventType).
		Msg("task completed")
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	t := time.NewTicker(cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			q.sweep(now)
		}
	}
}

// sweep removes terminal tasks older than the retention window together
// with their dedup entries, freeing the slot so the same logical event can
// be processed again.
func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		if !e.task.Terminal() || e.task.CompletedAt == nil {
			continue
		}
		if now.Sub(*e.task.CompletedAt) < q.retention {
			continue
		}
		q.dedup.Remove(e.task.DedupHash)
		delete(q.entries, id)
		removed++
	}
	if removed > 0 {
		if q.metrics != nil {
			q.metrics.DedupCacheSize.Set(float64(q.dedup.Len()))
		}
		q.logger.Info().Int("removed", removed).Msg("retention sweep")
	}
}

// Task returns a snapshot of the task with the given id.
func (q *Queue) Task(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return domain.Task{}, false
	}
	return *e.task, true
}

type Stats struct {
	WorkerCount    int `json:"worker_count"`
	QueueSize      int `json:"queue_size"`
	DedupCacheSize int `json:"dedup_cache_size"`
	DedupCacheMax  int `json:"dedup_cache_max"`
}

// Stats returns a read-only snapshot for health and admin endpoints.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := 0
	for _, e := range q.entries {
		if e.task.Status == domain.TaskPending {
			pending++
		}
	}
	workers := 0
	if q.running {
		workers = q.workerCount
	}
	return Stats{
		WorkerCount:    workers,
		QueueSize:      pending,
		DedupCacheSize: q.dedup.Len(),
		DedupCacheMax:  q.capacity,
	}
}
