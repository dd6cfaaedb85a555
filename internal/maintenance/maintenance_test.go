package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/kv"
	"courier/internal/queue"
	"courier/pkg/logx"
)

func TestScheduledJobRuns(t *testing.T) {
	s := New(Config{Enabled: true, Schedules: map[string]string{"tick": "@every 1s"}}, logx.Nop(), nil)
	var runs atomic.Int32
	s.Register("tick", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Register(JobQueueReconcile, func(context.Context) error { return nil })
	if err := s.Validate(Config{Schedules: map[string]string{JobQueueReconcile: "every minute"}}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Validate(Config{Schedules: map[string]string{JobQueueReconcile: "off"}}); err != nil {
		t.Fatalf("off should be valid: %v", err)
	}
	if err := s.Validate(Config{}); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestRunNow(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	boom := errors.New("boom")
	s.Register("bad", func(context.Context) error { return boom })
	if err := s.RunNow("bad"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconcileAndPruneJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := kv.NewMemory(kv.WithClock(func() time.Time { return now }))
	q := queue.New(store, queue.Config{MaxSize: 10, KeyPrefix: "t"}, queue.WithClock(func() time.Time { return now }))

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{RecipientID: "r", MessageType: "text", Content: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	// Counter drift: one phantom reservation.
	if _, err := store.IncrBy(ctx, "t:size", 1); err != nil {
		t.Fatal(err)
	}
	job := ReconcileJob(q, logx.Nop())
	for i := 0; i < 2; i++ {
		if err := job(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := q.Size(ctx); n != 1 {
		t.Fatalf("size after reconcile = %d", n)
	}

	if err := store.Set(ctx, "t:tmp", []byte("x"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	if err := PruneJob(store, logx.Nop())(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, "t:tmp"); ok {
		t.Fatal("expired key survived prune")
	}
}
