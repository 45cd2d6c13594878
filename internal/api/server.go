// Package api exposes the webhook ingress and the admin surface.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"watchflow/internal/dispatch"
	"watchflow/internal/domain"
	"watchflow/internal/metrics"
	"watchflow/internal/queue"
	"watchflow/internal/scheduler"
	"watchflow/internal/store"
)

const maxPayloadBytes = 5 << 20

// knownEvents is the closed set of event types the service understands.
// Anything else is acknowledged at the transport boundary and dropped.
var knownEvents = map[string]bool{
	"ping":                       true,
	"pull_request":               true,
	"push":                       true,
	"check_run":                  true,
	"issue_comment":              true,
	"deployment_protection_rule": true,
}

// History is the read side of the audit store used by the admin API.
type History interface {
	RecentEvents(ctx context.Context, limit int) ([]store.EventRecord, error)
	RecentDecisions(ctx context.Context, limit int) ([]store.DecisionRecord, error)
}

type Server struct {
	r          *chi.Mux
	secret     []byte
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	scheduler  *scheduler.Service
	history    History
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func NewServer(secret []byte, d *dispatch.Dispatcher, q *queue.Queue, sched *scheduler.Service, history History, m *metrics.Metrics, reg *prometheus.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:          r,
		secret:     secret,
		dispatcher: d,
		queue:      q,
		scheduler:  sched,
		history:    history,
		metrics:    m,
		logger:     logger,
	}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Post("/webhook", s.handleWebhook)
	r.Get("/api/queue/stats", s.queueStats)
	r.Get("/api/scheduler/status", s.schedulerStatus)
	r.Post("/api/scheduler/check", s.schedulerCheck)
	r.Get("/api/history/events", s.historyEvents)
	r.Get("/api/history/decisions", s.historyDecisions)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebhook verifies the delivery signature, normalizes the payload and
// hands it to the dispatcher. Once the signature checks out the response is
// always 2xx: handler problems are the service's to deal with, not the
// sender's.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !s.validSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		if s.metrics != nil {
			s.metrics.WebhooksRejected.Inc()
		}
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		if s.metrics != nil {
			s.metrics.WebhooksRejected.Inc()
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ev := normalizeEvent(eventType, r.Header.Get("X-GitHub-Delivery"), payload)
	if s.metrics != nil {
		s.metrics.WebhooksReceived.WithLabelValues(eventType).Inc()
	}

	if !knownEvents[eventType] {
		writeJSON(w, http.StatusAccepted, dispatch.Result{
			Status: dispatch.StatusSkipped,
			Reason: "unrecognized event type",
		})
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) validSignature(body []byte, provided string) bool {
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}

func normalizeEvent(eventType, deliveryID string, payload map[string]any) domain.WebhookEvent {
	ev := domain.WebhookEvent{
		Type:       eventType,
		DeliveryID: deliveryID,
		Payload:    payload,
	}
	if repo, ok := payload["repository"].(map[string]any); ok {
		ev.Repository, _ = repo["full_name"].(string)
	}
	if sender, ok := payload["sender"].(map[string]any); ok {
		ev.Sender, _ = sender["login"].(string)
	}
	if inst, ok := payload["installation"].(map[string]any); ok {
		if id, ok := inst["id"].(float64); ok {
			ev.InstallationID = int64(id)
		}
	}
	return ev
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) schedulerCheck(w http.ResponseWriter, r *http.Request) {
	s.scheduler.CheckPending(r.Context())
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) historyEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.history.RecentEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) historyDecisions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	decisions, err := s.history.RecentDecisions(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
