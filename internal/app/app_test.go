package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/provider"
	"courier/internal/tracking"
)

type fakeTransport struct {
	calls atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(_ context.Context, req provider.Request) (provider.Receipt, error) {
	f.calls.Add(1)
	return provider.Receipt{DeliveryID: "d-" + req.MessageID, AcceptedAt: time.Now()}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Store:     config.StoreConfig{Driver: "memory"},
		Queue:     config.QueueConfig{MaxSize: 100},
		RateLimit: config.RateLimitConfig{MaxRequests: 100, Window: "1s"},
		Processor: config.ProcessorConfig{BatchSize: 5, IdleSleep: "10ms"},
		HTTP:      config.HTTPConfig{Addr: "127.0.0.1:0"},
	}
}

func newTestApp(t *testing.T, tr provider.Transport) *App {
	t.Helper()
	cfg := testConfig()
	cfgm := config.NewManager("")
	cfgm.Commit(cfg)
	a, err := build(cfgm, cfg, tr)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a
}

func TestEndToEndDelivery(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestApp(t, tr)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Stop(ctx, StopAppStop); err != nil {
			t.Errorf("stop: %v", err)
		}
	}()

	base := "http://" + a.Addr()
	resp, err := http.Post(base+"/v1/messages", "application/json",
		strings.NewReader(`{"recipient_id":"r1","message_type":"text","content":{"body":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue: %d %v", resp.StatusCode, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, ok, err := a.tracker.Get(context.Background(), created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && rec.State == tracking.StateDelivered {
			if rec.DeliveryID != "d-"+created.ID {
				t.Fatalf("delivery id = %q", rec.DeliveryID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not delivered; record=%+v", rec)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n, _ := a.queue.Size(context.Background()); n != 0 {
		t.Fatalf("queue size after delivery = %d", n)
	}
	if tr.calls.Load() != 1 {
		t.Fatalf("provider calls = %d", tr.calls.Load())
	}
}

func TestApplyConfigLive(t *testing.T) {
	a := newTestApp(t, &fakeTransport{})
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Processor.BatchSize = 9
	newCfg.Queue.MaxSize = 5
	a.applyConfig(oldCfg, &newCfg)

	if got := a.processor.Config().BatchSize; got != 9 {
		t.Fatalf("batch size = %d, want 9", got)
	}
	// Queue capacity is restart-only.
	if a.queue.MaxSize() != 100 {
		t.Fatalf("queue max size changed live to %d", a.queue.MaxSize())
	}
}

func TestValidateReloadRejectsBadTimezone(t *testing.T) {
	a := newTestApp(t, &fakeTransport{})
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	cfg := testConfig()
	cfg.Maintenance.Timezone = "Mars/Olympus"
	if err := a.validateReload(context.Background(), cfg); err == nil {
		t.Fatal("bad timezone accepted")
	}
	cfg = testConfig()
	cfg.Maintenance.Schedules = map[string]string{"queue.reconcile": "whenever"}
	if err := a.validateReload(context.Background(), cfg); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := a.validateReload(context.Background(), testConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Name = "pigeon"
	if _, err := build(config.NewManager(""), cfg, nil); err == nil {
		t.Fatal("expected error")
	}
}
