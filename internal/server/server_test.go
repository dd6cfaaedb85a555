package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courier/internal/kv"
	"courier/internal/metrics"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/sender"
	"courier/internal/tracking"
	"courier/internal/webhook"
)

type harness struct {
	store   *kv.Memory
	queue   *queue.Queue
	tracker *tracking.Tracker
	handler http.Handler
}

func newHarness(t *testing.T, maxSize int64) *harness {
	t.Helper()
	store := kv.NewMemory()
	m := metrics.New()
	q := queue.New(store, queue.Config{MaxSize: maxSize, KeyPrefix: "t"}, queue.WithMetrics(m))
	tr := tracking.New(store, tracking.Config{KeyPrefix: "t"})
	srv := New(Config{}, Deps{
		Queue:    q,
		Tracker:  tr,
		Limiter:  ratelimit.NewWindow(ratelimit.Config{MaxRequests: 5, Window: time.Second}, store),
		Breaker:  sender.NewBreaker(sender.BreakerConfig{}, time.Now),
		Provider: "fake",
		Ingestor: webhook.New(webhook.Config{Secret: "s3cret", VerifyToken: "vt"}, tr),
		Store:    store,
		Metrics:  m,
	})
	return &harness{store: store, queue: q, tracker: tr, handler: srv.Handler()}
}

func (h *harness) do(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndLookup(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(http.MethodPost, "/v1/messages", `{"recipient_id":"r1","message_type":"text","content":{"body":"hi"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("bad response %s: %v", rec.Body, err)
	}

	rec = h.do(http.MethodGet, "/v1/messages/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", rec.Code)
	}
	var view messageView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if !view.Queued || view.Message == nil || view.Message.RecipientID != "r1" {
		t.Fatalf("message view = %+v", view)
	}
	if view.Tracking == nil || view.Tracking.State != tracking.StatePending {
		t.Fatalf("tracking = %+v", view.Tracking)
	}

	if rec := h.do(http.MethodGet, "/v1/messages/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, 10)
	for _, body := range []string{
		`not json`,
		`{"recipient_id":"r1","message_type":"text","extra":1}`,
		`{"message_type":"text"}`,
		`{"recipient_id":"r1"}`,
	} {
		if rec := h.do(http.MethodPost, "/v1/messages", body, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rec.Code)
		}
	}
	if n, _ := h.queue.Size(context.Background()); n != 0 {
		t.Fatalf("rejected requests changed size to %d", n)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	h := newHarness(t, 1)
	body := `{"recipient_id":"r1","message_type":"text"}`
	if rec := h.do(http.MethodPost, "/v1/messages", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/v1/messages", body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestQueueStatus(t *testing.T) {
	h := newHarness(t, 10)
	h.do(http.MethodPost, "/v1/messages", `{"recipient_id":"r1","message_type":"text"}`, nil)

	rec := h.do(http.MethodGet, "/v1/queue", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view queueView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Size != 1 || view.MaxSize != 10 || view.Provider != "fake" {
		t.Fatalf("view = %+v", view)
	}
	if view.Breaker == nil || view.Breaker.State != "closed" {
		t.Fatalf("breaker = %+v", view.Breaker)
	}
	if view.Limiter == nil || view.Limiter.MaxRequests != 5 {
		t.Fatalf("limiter = %+v", view.Limiter)
	}
}

func TestWebhookChallenge(t *testing.T) {
	h := newHarness(t, 10)
	rec := h.do(http.MethodGet, "/webhooks/provider?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=42", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("challenge: %d %q", rec.Code, rec.Body)
	}
	rec = h.do(http.MethodGet, "/webhooks/provider?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=42", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestWebhookEvents(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	err := h.tracker.Record(ctx, tracking.Update{MessageID: "m1", RecipientID: "r1", DeliveryID: "d1", State: tracking.StateDelivered})
	if err != nil {
		t.Fatal(err)
	}

	body := `{"deliveryId":"d1","status":"read","timestamp":1700000000}`
	rec := h.do(http.MethodPost, "/webhooks/provider", body, map[string]string{webhook.SignatureHeader: webhook.Sign("s3cret", []byte(body))})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var sum webhook.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Applied != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _, _ := h.tracker.Get(ctx, "m1")
	if got.ProviderStatus != "read" {
		t.Fatalf("provider status = %q", got.ProviderStatus)
	}

	rec = h.do(http.MethodPost, "/webhooks/provider", body, map[string]string{webhook.SignatureHeader: "sha256=00"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", rec.Code)
	}
	bad := `{"entry":`
	rec = h.do(http.MethodPost, "/webhooks/provider", bad, map[string]string{webhook.SignatureHeader: webhook.Sign("s3cret", []byte(bad))})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", rec.Code)
	}
}

func TestWebhookRejectedWithoutSecret(t *testing.T) {
	store := kv.NewMemory()
	tr := tracking.New(store, tracking.Config{KeyPrefix: "t"})
	h := New(Config{}, Deps{
		Queue:    queue.New(store, queue.Config{MaxSize: 1, KeyPrefix: "t"}),
		Tracker:  tr,
		Ingestor: webhook.New(webhook.Config{}, tr),
	}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(`{"deliveryId":"d1","status":"read"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, 10)
	if rec := h.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body)
	}
	h.do(http.MethodPost, "/v1/messages", `{"recipient_id":"r1","message_type":"text"}`, nil)
	rec := h.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "enqueued_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	store := kv.NewMemory()
	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{
		Queue: queue.New(store, queue.Config{MaxSize: 1, KeyPrefix: "t"}),
		Store: store,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatal("addr still set after stop")
	}
}

func TestPprofToggle(t *testing.T) {
	store := kv.NewMemory()
	deps := Deps{Queue: queue.New(store, queue.Config{MaxSize: 1, KeyPrefix: "t"})}

	for _, on := range []bool{false, true} {
		h := New(Config{Pprof: on}, deps).Handler()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		want := http.StatusNotFound
		if on {
			want = http.StatusOK
		}
		if rec.Code != want {
			t.Fatalf("pprof=%v: status = %d, want %d", on, rec.Code, want)
		}
	}
}
