package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull      = errors.New("delivery queue full")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotQueued      = errors.New("message is no longer queued")
)

// QueueFullError carries the counter value observed when capacity was refused.
type QueueFullError struct {
	Size int64
	Max  int64
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("delivery queue full (%d/%d)", e.Size, e.Max)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// Message is one queued outbound delivery.
//
// ID, RecipientID, MessageType, Content and EnqueuedAt never change after
// enqueue. RetryCount and PriorityScore are updated by the processor only.
type Message struct {
	ID            string          `json:"id"`
	RecipientID   string          `json:"recipient_id"`
	MessageType   string          `json:"message_type"`
	Content       json.RawMessage `json:"content,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	PriorityScore float64         `json:"priority_score"`
}

// EnqueueRequest is what producers hand to Enqueue.
//
// Priority, when set, replaces the default score (enqueue time in unix ms).
// Lower scores are delivered first.
type EnqueueRequest struct {
	RecipientID string
	MessageType string
	Content     json.RawMessage
	Priority    *float64
}

// Config controls queue capacity and key layout.
type Config struct {
	MaxSize   int64
	KeyPrefix string
}

const DefaultMaxSize = 10_000

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	IndexSize     int64 `json:"index_size"`
	Counter       int64 `json:"counter"`
	Drift         int64 `json:"drift"`
	Corrected     bool  `json:"corrected"`
	OrphansPruned int   `json:"orphans_pruned"`
}
