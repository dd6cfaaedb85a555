package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/kv"
	"courier/pkg/logx"
)

type State string

const (
	StatePending        State = "pending"
	StateDispatched     State = "dispatched"
	StateDelivered      State = "delivered"
	StateRetryScheduled State = "retry_scheduled"
	StateFailed         State = "failed_terminal"
)

// ErrUnknownStatus is returned for provider statuses outside sent|delivered|read|failed.
var ErrUnknownStatus = errors.New("tracking: unknown provider status")

// Provider-reported statuses, ranked. A lower rank never replaces a higher one.
var statusRank = map[string]int{
	"sent":      1,
	"delivered": 2,
	"read":      3,
	"failed":    4,
}

// NormalizeStatus lowercases s and checks it is a known provider status.
func NormalizeStatus(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := statusRank[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return s, nil
}

type Record struct {
	MessageID        string    `json:"message_id"`
	RecipientID      string    `json:"recipient_id"`
	DeliveryID       string    `json:"delivery_id,omitempty"`
	State            State     `json:"state"`
	ProviderStatus   string    `json:"provider_status,omitempty"`
	ProviderStatusAt time.Time `json:"provider_status_at,omitempty"`
	RetryCount       int       `json:"retry_count"`
	LastError        string    `json:"last_error,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Update is a processor-side state change. Empty fields keep the stored value.
type Update struct {
	MessageID   string
	RecipientID string
	DeliveryID  string
	State       State
	RetryCount  int
	LastError   string
}

type Config struct {
	KeyPrefix string
	Retention time.Duration // default 72h
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(t *Tracker) { t.log = log } }

// Tracker keeps a per-message delivery record in the KV store.
//
// Writes are read-modify-write. The processor is the only writer of State
// for a given message and the webhook the only writer of ProviderStatus,
// so lost updates are limited to the rare overlap of the two.
type Tracker struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
	log   logx.Logger
}

func New(store kv.Store, cfg Config, opts ...Option) *Tracker {
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "courier"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	t := &Tracker{store: store, cfg: cfg, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	t.log = t.log.With(logx.String("comp", "tracking"))
	return t
}

func (t *Tracker) statusKey(id string) string   { return t.cfg.KeyPrefix + ":status:" + id }
func (t *Tracker) deliveryKey(id string) string { return t.cfg.KeyPrefix + ":delivery:" + id }

func (t *Tracker) Record(ctx context.Context, u Update) error {
	if u.MessageID == "" {
		return errors.New("tracking: message id is required")
	}
	rec, _, err := t.Get(ctx, u.MessageID)
	if err != nil {
		return err
	}
	rec.MessageID = u.MessageID
	if u.RecipientID != "" {
		rec.RecipientID = u.RecipientID
	}
	if u.State != "" {
		rec.State = u.State
	}
	if u.RetryCount > rec.RetryCount {
		rec.RetryCount = u.RetryCount
	}
	if u.LastError != "" {
		rec.LastError = u.LastError
	}
	newDelivery := u.DeliveryID != "" && u.DeliveryID != rec.DeliveryID
	if u.DeliveryID != "" {
		rec.DeliveryID = u.DeliveryID
	}
	rec.UpdatedAt = t.now().UTC()

	if err := t.put(ctx, rec); err != nil {
		return err
	}
	if newDelivery {
		if err := t.store.Set(ctx, t.deliveryKey(rec.DeliveryID), []byte(rec.MessageID), t.cfg.Retention); err != nil {
			return fmt.Errorf("tracking: alias %s: %w", rec.DeliveryID, err)
		}
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, messageID string) (Record, bool, error) {
	b, ok, err := t.store.Get(ctx, t.statusKey(messageID))
	if err != nil {
		return Record{}, false, fmt.Errorf("tracking: get %s: %w", messageID, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("tracking: decode %s: %w", messageID, err)
	}
	return rec, true, nil
}

// MessageID resolves a provider delivery id to the message it was assigned to.
func (t *Tracker) MessageID(ctx context.Context, deliveryID string) (string, bool, error) {
	b, ok, err := t.store.Get(ctx, t.deliveryKey(deliveryID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}

// ApplyProviderStatus records a provider-reported status for deliveryID.
// It returns applied=false when the delivery id is unknown or the status
// would move the record backwards (sent < delivered < read; failed always wins).
func (t *Tracker) ApplyProviderStatus(ctx context.Context, deliveryID, status string, at time.Time) (rec Record, applied bool, err error) {
	status, err = NormalizeStatus(status)
	if err != nil {
		return Record{}, false, err
	}
	msgID, ok, err := t.MessageID(ctx, deliveryID)
	if err != nil || !ok {
		return Record{}, false, err
	}
	rec, ok, err = t.Get(ctx, msgID)
	if err != nil || !ok {
		return rec, false, err
	}
	if statusRank[status] <= statusRank[rec.ProviderStatus] {
		return rec, false, nil
	}
	rec.ProviderStatus = status
	if at.IsZero() {
		at = t.now()
	}
	rec.ProviderStatusAt = at.UTC()
	rec.UpdatedAt = t.now().UTC()
	if err := t.put(ctx, rec); err != nil {
		return rec, false, err
	}
	t.log.Debug("provider status applied", logx.String("msg_id", rec.MessageID), logx.String("delivery_id", deliveryID), logx.String("status", status))
	return rec, true, nil
}

func (t *Tracker) put(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tracking: encode %s: %w", rec.MessageID, err)
	}
	if err := t.store.Set(ctx, t.statusKey(rec.MessageID), b, t.cfg.Retention); err != nil {
		return fmt.Errorf("tracking: put %s: %w", rec.MessageID, err)
	}
	return nil
}
