package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/kv"
	"courier/internal/metrics"
	"courier/pkg/logx"
)

// Queue is a priority-ordered delivery queue kept in the shared store.
//
// Layout:
//
//	<prefix>:msg:<id>  JSON body of the message
//	<prefix>:index     sorted set, member=id, score=priority
//	<prefix>:size      integer counter, mutated only by atomic increments
//
// It is safe for concurrent use, including from several processes sharing one store.
type Queue struct {
	store   kv.Store
	cfg     Config
	now     func() time.Time
	newID   func() string
	log     logx.Logger
	metrics *metrics.Metrics

	// lastDrift is the counter drift seen by the previous Reconcile.
	mu        sync.Mutex
	lastDrift int64
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

func New(store kv.Store, cfg Config, opts ...Option) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "courier"
	}
	q := &Queue{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	return q
}

func (q *Queue) sizeKey() string        { return q.cfg.KeyPrefix + ":size" }
func (q *Queue) indexKey() string       { return q.cfg.KeyPrefix + ":index" }
func (q *Queue) msgKey(id string) string { return q.cfg.KeyPrefix + ":msg:" + id }

// MaxSize returns the configured capacity.
func (q *Queue) MaxSize() int64 { return q.cfg.MaxSize }

// Enqueue reserves one slot of capacity, then persists the message and indexes it.
//
// The reservation is an atomic increment of the shared counter; if it lands
// above MaxSize the slot is handed back and a *QueueFullError is returned.
// Concurrent producers can therefore be refused spuriously near the limit,
// but the counter never admits more than MaxSize messages.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.RecipientID) == "" {
		return "", fmt.Errorf("%w: recipient id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(req.MessageType) == "" {
		return "", fmt.Errorf("%w: message type is required", ErrInvalidMessage)
	}
	if len(req.Content) > 0 && !json.Valid(req.Content) {
		return "", fmt.Errorf("%w: content is not valid JSON", ErrInvalidMessage)
	}
	if req.Priority != nil && (math.IsNaN(*req.Priority) || math.IsInf(*req.Priority, 0)) {
		return "", fmt.Errorf("%w: priority must be finite", ErrInvalidMessage)
	}

	n, err := q.store.IncrBy(ctx, q.sizeKey(), 1)
	if err != nil {
		return "", fmt.Errorf("reserve capacity: %w", err)
	}
	if n > q.cfg.MaxSize {
		q.release(ctx)
		q.metrics.IncRejected()
		return "", &QueueFullError{Size: n - 1, Max: q.cfg.MaxSize}
	}

	now := q.now()
	msg := Message{
		ID:            q.newID(),
		RecipientID:   req.RecipientID,
		MessageType:   req.MessageType,
		Content:       req.Content,
		EnqueuedAt:    now.UTC(),
		PriorityScore: float64(now.UnixMilli()),
	}
	if req.Priority != nil {
		msg.PriorityScore = *req.Priority
	}

	body, err := json.Marshal(msg)
	if err != nil {
		q.release(ctx)
		return "", err
	}
	if err := q.store.Set(ctx, q.msgKey(msg.ID), body, 0); err != nil {
		q.release(ctx)
		return "", fmt.Errorf("store message: %w", err)
	}
	if err := q.store.ZAdd(ctx, q.indexKey(), msg.PriorityScore, msg.ID); err != nil {
		_, _ = q.store.Del(context.WithoutCancel(ctx), q.msgKey(msg.ID))
		q.release(ctx)
		return "", fmt.Errorf("index message: %w", err)
	}

	q.metrics.IncEnqueued()
	q.metrics.SetQueueSize(n)
	q.log.Debug("message enqueued",
		logx.String("id", msg.ID),
		logx.String("recipient", msg.RecipientID),
		logx.Float64("score", msg.PriorityScore),
		logx.Int64("size", n),
	)
	return msg.ID, nil
}

// release hands back one reserved slot. It must run even if ctx is already done.
func (q *Queue) release(ctx context.Context) {
	if _, err := q.store.IncrBy(context.WithoutCancel(ctx), q.sizeKey(), -1); err != nil {
		q.log.Error("failed to release queue slot; counter will drift until reconcile", logx.Err(err))
	}
}

// DequeueBatch returns up to maxSize due messages (score <= now) in ascending
// score order. Messages stay queued until Remove or RequeueWithBackoff.
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int) ([]Message, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	due := float64(q.now().UnixMilli())
	ids, err := q.store.ZRangeByScore(ctx, q.indexKey(), due, maxSize)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		body, ok, err := q.store.Get(ctx, q.msgKey(id))
		if err != nil {
			return out, fmt.Errorf("load message %s: %w", id, err)
		}
		if !ok {
			// Index entry without a body; nothing to deliver.
			if removed, _ := q.store.ZRem(ctx, q.indexKey(), id); removed {
				q.log.Warn("pruned orphaned index entry", logx.String("id", id))
			}
			continue
		}
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			q.log.Error("dropping undecodable message", logx.String("id", id), logx.Err(err))
			_, _ = q.Remove(ctx, id)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes a message. It is idempotent: only the call that actually
// removes the index entry deletes the body and decrements the counter.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := q.store.ZRem(ctx, q.indexKey(), id)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	if !removed {
		return false, nil
	}
	// Past this point the message is gone from the index; finish even if ctx ends.
	dctx := context.WithoutCancel(ctx)
	if _, err := q.store.Del(dctx, q.msgKey(id)); err != nil {
		q.log.Warn("failed to delete message body", logx.String("id", id), logx.Err(err))
	}
	n, err := q.store.IncrBy(dctx, q.sizeKey(), -1)
	if err != nil {
		return true, fmt.Errorf("decrement size: %w", err)
	}
	q.metrics.SetQueueSize(n)
	return true, nil
}

// RequeueWithBackoff persists msg (with its updated RetryCount) and makes it
// due again after delay. It returns ErrNotQueued if msg was removed meanwhile.
//
// The index entry is re-scored in place and never removed, so a failure at
// any step leaves the message due at its previous score.
func (q *Queue) RequeueWithBackoff(ctx context.Context, msg Message, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	msg.PriorityScore = float64(q.now().Add(delay).UnixMilli())
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx := context.WithoutCancel(ctx)
	if err := q.store.Set(wctx, q.msgKey(msg.ID), body, 0); err != nil {
		return fmt.Errorf("requeue %s: %w", msg.ID, err)
	}
	present, err := q.store.ZUpdate(wctx, q.indexKey(), msg.PriorityScore, msg.ID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", msg.ID, err)
	}
	if !present {
		// A concurrent Remove won; drop the body we just wrote.
		if _, err := q.store.Del(wctx, q.msgKey(msg.ID)); err != nil {
			q.log.Warn("failed to delete requeued body", logx.String("id", msg.ID), logx.Err(err))
		}
		return ErrNotQueued
	}
	return nil
}

// Get loads a queued message by id.
func (q *Queue) Get(ctx context.Context, id string) (Message, bool, error) {
	body, ok, err := q.store.Get(ctx, q.msgKey(id))
	if err != nil || !ok {
		return Message{}, false, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// Size returns the shared counter value.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	b, ok, err := q.store.Get(ctx, q.sizeKey())
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}

// Reconcile prunes index entries whose body is gone and compares the counter
// with the index cardinality. A drift is corrected only when two consecutive
// passes observe the same value, so enqueues caught between their reservation
// and their index write are not "fixed" away.
func (q *Queue) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	ids, err := q.store.ZRangeByScore(ctx, q.indexKey(), math.Inf(1), 0)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		_, ok, err := q.store.Get(ctx, q.msgKey(id))
		if err != nil {
			return rep, err
		}
		if ok {
			continue
		}
		if removed, err := q.store.ZRem(ctx, q.indexKey(), id); err == nil && removed {
			rep.OrphansPruned++
		}
	}

	card, err := q.store.ZCard(ctx, q.indexKey())
	if err != nil {
		return rep, err
	}
	cur, err := q.store.IncrBy(ctx, q.sizeKey(), 0)
	if err != nil {
		return rep, err
	}
	rep.IndexSize = card
	rep.Counter = cur
	rep.Drift = card - cur

	q.mu.Lock()
	stable := rep.Drift != 0 && rep.Drift == q.lastDrift
	q.lastDrift = rep.Drift
	q.mu.Unlock()

	if stable {
		n, err := q.store.IncrBy(ctx, q.sizeKey(), rep.Drift)
		if err != nil {
			return rep, err
		}
		rep.Counter = n
		rep.Corrected = true
		q.mu.Lock()
		q.lastDrift = 0
		q.mu.Unlock()
		q.log.Warn("queue size counter corrected",
			logx.Int64("drift", rep.Drift),
			logx.Int64("index_size", card),
		)
	}
	q.metrics.SetQueueSize(rep.Counter)
	return rep, nil
}

// IsFull reports whether err is a capacity refusal.
func IsFull(err error) bool { return errors.Is(err, ErrQueueFull) }
