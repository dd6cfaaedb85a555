package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/kv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, max int64) (*Queue, *kv.Memory, *testClock) {
	t.Helper()
	clk := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store := kv.NewMemory()
	var seq atomic.Int64
	q := New(store, Config{MaxSize: max, KeyPrefix: "t"},
		WithClock(clk.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("m%03d", seq.Add(1)) }),
	)
	return q, store, clk
}

func textReq(to string) EnqueueRequest {
	return EnqueueRequest{RecipientID: to, MessageType: "text", Content: json.RawMessage(`{"body":"hi"}`)}
}

func mustSize(t *testing.T, q *Queue) int64 {
	t.Helper()
	n, err := q.Size(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, textReq("r")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := q.Enqueue(ctx, textReq("r"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	var full *QueueFullError
	if !errors.As(err, &full) || full.Max != 2 {
		t.Fatalf("expected *QueueFullError with Max=2, got %#v", err)
	}
	if got := mustSize(t, q); got != 2 {
		t.Fatalf("size after rejection = %d, want 2", got)
	}
}

func TestEnqueueConcurrentNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 25)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, textReq("r"))
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrQueueFull) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() > 25 {
		t.Fatalf("accepted %d messages, capacity is 25", ok.Load())
	}
	card, _ := store.ZCard(ctx, "t:index")
	if card != ok.Load() {
		t.Fatalf("index holds %d, accepted %d", card, ok.Load())
	}
	if got := mustSize(t, q); got != ok.Load() {
		t.Fatalf("counter = %d, accepted %d", got, ok.Load())
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 10)
	bad := []EnqueueRequest{
		{MessageType: "text"},
		{RecipientID: "r"},
		{RecipientID: "r", MessageType: "text", Content: json.RawMessage(`{nope`)},
	}
	for i, req := range bad {
		if _, err := q.Enqueue(ctx, req); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("case %d: err = %v, want ErrInvalidMessage", i, err)
		}
	}
	if got := mustSize(t, q); got != 0 {
		t.Fatalf("validation failures must not reserve capacity, size = %d", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 10)
	id, err := q.Enqueue(ctx, textReq("r"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, textReq("r2")); err != nil {
		t.Fatal(err)
	}

	removed, err := q.Remove(ctx, id)
	if err != nil || !removed {
		t.Fatalf("first remove = %v, %v", removed, err)
	}
	removed, err = q.Remove(ctx, id)
	if err != nil || removed {
		t.Fatalf("second remove = %v, %v", removed, err)
	}
	if got := mustSize(t, q); got != 1 {
		t.Fatalf("size = %d, want 1", got)
	}
	if _, ok, _ := q.Get(ctx, id); ok {
		t.Fatal("body still present after remove")
	}
}

func TestDequeueOrdersByScoreAndOnlyDue(t *testing.T) {
	ctx := context.Background()
	q, _, clk := newTestQueue(t, 10)

	first, _ := q.Enqueue(ctx, textReq("a"))
	clk.Advance(time.Millisecond)
	second, _ := q.Enqueue(ctx, textReq("b"))
	urgent := 1.0
	pri, _ := q.Enqueue(ctx, EnqueueRequest{RecipientID: "c", MessageType: "text", Priority: &urgent})

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 || batch[0].ID != pri || batch[1].ID != first || batch[2].ID != second {
		t.Fatalf("order = %v", ids(batch))
	}

	// Pushing the head into the future hides it until it is due.
	if err := q.RequeueWithBackoff(ctx, batch[0], 5*time.Second); err != nil {
		t.Fatal(err)
	}
	batch, _ = q.DequeueBatch(ctx, 10)
	if len(batch) != 2 {
		t.Fatalf("due messages = %v, want 2", ids(batch))
	}
	clk.Advance(5 * time.Second)
	batch, _ = q.DequeueBatch(ctx, 10)
	if len(batch) != 3 {
		t.Fatalf("after delay = %v, want 3", ids(batch))
	}

	// Dequeue does not remove.
	if got := mustSize(t, q); got != 3 {
		t.Fatalf("size = %d, want 3", got)
	}
}

func TestRequeuePersistsRetryCount(t *testing.T) {
	ctx := context.Background()
	q, _, clk := newTestQueue(t, 10)
	id, _ := q.Enqueue(ctx, textReq("r"))

	batch, _ := q.DequeueBatch(ctx, 1)
	m := batch[0]
	m.RetryCount = 2
	if err := q.RequeueWithBackoff(ctx, m, time.Second); err != nil {
		t.Fatal(err)
	}
	got, ok, err := q.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get = %v, %v", ok, err)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", got.RetryCount)
	}
	if want := float64(clk.Now().Add(time.Second).UnixMilli()); got.PriorityScore != want {
		t.Fatalf("score = %v, want %v", got.PriorityScore, want)
	}
	if mustSize(t, q) != 1 {
		t.Fatal("requeue must not change size")
	}

	if _, err := q.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := q.RequeueWithBackoff(ctx, m, time.Second); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("requeue after remove = %v, want ErrNotQueued", err)
	}
	if mustSize(t, q) != 0 {
		t.Fatal("requeue of a removed message must not resurrect it")
	}
}

// flakyStore fails the next index re-score or body write when armed.
type flakyStore struct {
	kv.Store
	failZUpdate atomic.Bool
	failSet     atomic.Bool
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyStore) ZUpdate(ctx context.Context, key string, score float64, member string) (bool, error) {
	if f.failZUpdate.CompareAndSwap(true, false) {
		return false, errStoreDown
	}
	return f.Store.ZUpdate(ctx, key, score, member)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet.CompareAndSwap(true, false) {
		return errStoreDown
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func TestRequeueFailureKeepsMessageDue(t *testing.T) {
	ctx := context.Background()
	clk := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store := &flakyStore{Store: kv.NewMemory()}
	q := New(store, Config{MaxSize: 10, KeyPrefix: "t"}, WithClock(clk.Now))

	id, err := q.Enqueue(ctx, textReq("r"))
	if err != nil {
		t.Fatal(err)
	}
	for _, fail := range []*atomic.Bool{&store.failZUpdate, &store.failSet} {
		batch, err := q.DequeueBatch(ctx, 1)
		if err != nil || len(batch) != 1 {
			t.Fatalf("dequeue = %v, %v", batch, err)
		}
		m := batch[0]
		m.RetryCount++
		fail.Store(true)
		if err := q.RequeueWithBackoff(ctx, m, time.Minute); !errors.Is(err, errStoreDown) {
			t.Fatalf("requeue err = %v", err)
		}
		clk.Advance(time.Hour)

		batch, err = q.DequeueBatch(ctx, 10)
		if err != nil || len(batch) != 1 || batch[0].ID != id {
			t.Fatalf("message not due after failed requeue: %v, %v", batch, err)
		}
		if mustSize(t, q) != 1 {
			t.Fatalf("size = %d, want 1", mustSize(t, q))
		}
		rep, err := q.Reconcile(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Drift != 0 || rep.OrphansPruned != 0 {
			t.Fatalf("reconcile report = %+v", rep)
		}
	}
}

func TestDequeuePrunesOrphans(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10)
	id, _ := q.Enqueue(ctx, textReq("r"))
	_, _ = store.Del(ctx, "t:msg:"+id)

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatalf("orphan was returned: %v", ids(batch))
	}
	if n, _ := store.ZCard(ctx, "t:index"); n != 0 {
		t.Fatalf("orphan index entry not pruned, card=%d", n)
	}
}

func TestReconcileCorrectsStableDrift(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10)
	_, _ = q.Enqueue(ctx, textReq("r"))
	_, _ = q.Enqueue(ctx, textReq("r"))
	// Simulate a crash that leaked two reservations.
	_, _ = store.IncrBy(ctx, "t:size", 2)

	rep, err := q.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Drift != -2 || rep.Corrected {
		t.Fatalf("first pass = %+v, want drift -2 uncorrected", rep)
	}
	rep, err = q.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Corrected || rep.Counter != 2 {
		t.Fatalf("second pass = %+v, want corrected to 2", rep)
	}
	if got := mustSize(t, q); got != 2 {
		t.Fatalf("size = %d, want 2", got)
	}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
