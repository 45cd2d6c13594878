// Package dispatch routes validated webhook events to registered handlers.
// A missing handler is an expected outcome, not an error, and a failing
// handler never propagates to the HTTP caller.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
)

// Handler consumes a normalized event, typically by enqueuing a task.
type Handler func(ctx context.Context, ev domain.WebhookEvent) (*domain.ProcessingResult, error)

// Dispatch outcome statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Result is what the HTTP layer reports back regardless of handler outcome.
type Result struct {
	Status string                   `json:"status"`
	Reason string                   `json:"reason,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Result *domain.ProcessingResult `json:"result,omitempty"`
}

type Dispatcher struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: map[string]Handler{},
	}
}

// Register installs the handler for an event type. Last registration wins;
// an override is logged so misconfiguration is visible.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[eventType]; exists {
		d.logger.Warn().Str("event_type", eventType).Msg("handler override")
	}
	d.handlers[eventType] = h
}

// Dispatch invokes the handler registered for the event type. Lookup is by
// exact match only; the event-type set is small and closed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.WebhookEvent) Result {
	d.mu.RLock()
	h, ok := d.handlers[ev.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.Debug().Str("event_type", ev.Type).Msg("no handler registered, skipping")
		return Result{Status: StatusSkipped, Reason: "no handler for event type"}
	}

	res, err := d.invoke(ctx, h, ev)
	if err != nil {
		d.logger.Error().Err(err).
			Str("event_type", ev.Type).
			Str("repository", ev.Repository).
			Str("delivery_id", ev.DeliveryID).
			Msg("handler failed")
		return Result{Status: StatusError, Error: err.Error()}
	}
	return Result{Status: StatusCompleted, Result: res}
}

// invoke shields the dispatcher from handler panics.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev domain.WebhookEvent) (res *domain.ProcessingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
