package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"watchflow/internal/dispatch"
	"watchflow/internal/domain"
	"watchflow/internal/metrics"
	"watchflow/internal/queue"
	"watchflow/internal/scheduler"
)

var testSecret = []byte("it's a secret to everybody")

func newTestServer(t *testing.T, register func(*dispatch.Dispatcher)) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := dispatch.New(zerolog.Nop())
	if register != nil {
		register(d)
	}
	q := queue.New(queue.Config{Logger: zerolog.Nop(), Metrics: m})
	sched := scheduler.New(nil, nil, nil, nil, scheduler.Config{Logger: zerolog.Nop()})
	return NewServer(testSecret, d, q, sched, nil, m, reg, zerolog.Nop())
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.Handler, eventType string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newTestServer(t, nil)
	body := []byte(`{"action":"opened"}`)

	rec := postWebhook(t, h, "pull_request", body, "sha256=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = postWebhook(t, h, "pull_request", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d, want 401", rec.Code)
	}
}

func TestWebhookDispatchesVerifiedDelivery(t *testing.T) {
	var got domain.WebhookEvent
	h := newTestServer(t, func(d *dispatch.Dispatcher) {
		d.Register("pull_request", func(ctx context.Context, ev domain.WebhookEvent) (*domain.ProcessingResult, error) {
			got = ev
			return &domain.ProcessingResult{Success: true, Message: "queued"}, nil
		})
	})

	body := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"sender": {"login": "octocat"},
		"installation": {"id": 7}
	}`)
	rec := postWebhook(t, h, "pull_request", body, sign(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != dispatch.StatusCompleted {
		t.Fatalf("dispatch status = %q, want completed", res.Status)
	}
	if got.Repository != "acme/widgets" || got.Sender != "octocat" || got.InstallationID != 7 {
		t.Fatalf("event not normalized: %+v", got)
	}
	if got.DeliveryID != "d-1" {
		t.Fatalf("delivery id not captured: %q", got.DeliveryID)
	}
}

func TestWebhookRedeliveryCollapsesInQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	q := queue.New(queue.Config{Logger: zerolog.Nop(), Metrics: m})
	d := dispatch.New(zerolog.Nop())
	d.Register("pull_request", func(ctx context.Context, ev domain.WebhookEvent) (*domain.ProcessingResult, error) {
		q.Enqueue(func(ctx context.Context, task *domain.Task) (*domain.ProcessingResult, error) {
			return &domain.ProcessingResult{Success: true}, nil
		}, ev)
		return &domain.ProcessingResult{Success: true, Message: "queued"}, nil
	})
	sched := scheduler.New(nil, nil, nil, nil, scheduler.Config{Logger: zerolog.Nop()})
	h := NewServer(testSecret, d, q, sched, nil, m, reg, zerolog.Nop())

	body := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"sender": {"login": "octocat"},
		"installation": {"id": 7},
		"pull_request": {"number": 42, "title": "Fix bug", "state": "open"}
	}`)

	// The same payload delivered twice under fresh GUIDs, as GitHub does on
	// redelivery, must occupy a single queue slot.
	for _, guid := range []string{"guid-1", "guid-2"} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "pull_request")
		req.Header.Set("X-GitHub-Delivery", guid)
		req.Header.Set("X-Hub-Signature-256", sign(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %s: status = %d, want 202", guid, rec.Code)
		}
	}

	if got := q.Stats().QueueSize; got != 1 {
		t.Fatalf("queue size = %d after two identical deliveries, want 1", got)
	}
}

func TestWebhookUnrecognizedTypeIsAcceptedButSkipped(t *testing.T) {
	h := newTestServer(t, nil)
	body := []byte(`{"pages":[]}`)

	rec := postWebhook(t, h, "gollum", body, sign(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: unknown types are acknowledged", rec.Code)
	}
	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != dispatch.StatusSkipped {
		t.Fatalf("status = %q, want skipped", res.Status)
	}
}

func TestWebhookHandlerErrorStillResponds2xx(t *testing.T) {
	h := newTestServer(t, func(d *dispatch.Dispatcher) {
		d.Register("push", func(ctx context.Context, ev domain.WebhookEvent) (*domain.ProcessingResult, error) {
			panic("handler exploded")
		})
	})
	body := []byte(`{"ref":"refs/heads/main"}`)

	rec := postWebhook(t, h, "push", body, sign(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 even on handler failure", rec.Code)
	}
	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != dispatch.StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
}

func TestWebhookPing(t *testing.T) {
	h := newTestServer(t, nil)
	body := []byte(`{"zen":"Keep it logically awesome."}`)

	rec := postWebhook(t, h, "ping", body, sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.WorkerCount != 0 || stats.QueueSize != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st scheduler.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatal("scheduler should not be running in this test")
	}
}
