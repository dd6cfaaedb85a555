package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"courier/internal/metrics"
	"courier/internal/tracking"
	"courier/pkg/logx"
)

// SignatureHeader carries "sha256=<hex hmac of the raw body>".
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrBadSignature = errors.New("webhook: signature mismatch")
	ErrNoSecret     = errors.New("webhook: secret not configured")
	ErrVerifyToken  = errors.New("webhook: verification rejected")
)

type Config struct {
	Secret        string // HMAC key; empty rejects every callback unless AllowUnsigned
	AllowUnsigned bool   // accept callbacks without a signature when Secret is empty
	VerifyToken   string // hub.verify_token for the subscription challenge
	MaxBodyBytes  int64  // default 1 MiB
}

// StatusStore applies a provider status to the delivery record; *tracking.Tracker implements it.
type StatusStore interface {
	ApplyProviderStatus(ctx context.Context, deliveryID, status string, at time.Time) (tracking.Record, bool, error)
}

type Option func(*Ingestor)

func WithLogger(log logx.Logger) Option { return func(in *Ingestor) { in.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(in *Ingestor) { in.metrics = m } }

// Ingestor verifies and applies provider delivery callbacks.
type Ingestor struct {
	cfg     Config
	store   StatusStore
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, store StatusStore, opts ...Option) *Ingestor {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	in := &Ingestor{cfg: cfg, store: store, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(in)
		}
	}
	in.log = in.log.With(logx.String("comp", "webhook"))
	switch {
	case cfg.Secret == "" && cfg.AllowUnsigned:
		in.log.Warn("webhook secret not set; callbacks are accepted unsigned")
	case cfg.Secret == "":
		in.log.Warn("webhook secret not set; callbacks will be rejected")
	}
	return in
}

func (in *Ingestor) MaxBodyBytes() int64 { return in.cfg.MaxBodyBytes }

// Verify checks signature against the raw body.
func (in *Ingestor) Verify(body []byte, signature string) error {
	if in.cfg.Secret == "" {
		if in.cfg.AllowUnsigned {
			return nil
		}
		return ErrNoSecret
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(signature), "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(in.cfg.Secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the header value a provider would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Challenge answers the subscription handshake: mode must be "subscribe"
// and token must match the configured verify token.
func (in *Ingestor) Challenge(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || in.cfg.VerifyToken == "" {
		return "", ErrVerifyToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(in.cfg.VerifyToken)) != 1 {
		return "", ErrVerifyToken
	}
	return challenge, nil
}

// Summary counts how the events of one callback were handled.
type Summary struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Stale    int `json:"stale"`
	Unknown  int `json:"unknown"`
	Invalid  int `json:"invalid"`
}

// Ingest verifies, parses and applies one callback body. Events for unknown
// delivery ids and statuses that would regress a record are counted, not
// treated as errors, so the provider does not redeliver them.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (Summary, error) {
	if err := in.Verify(body, signature); err != nil {
		in.metrics.IncWebhookEvent("", "bad_signature")
		return Summary{}, err
	}
	events, err := Parse(body)
	if err != nil {
		in.metrics.IncWebhookEvent("", "malformed")
		return Summary{}, err
	}

	var sum Summary
	for _, ev := range events {
		sum.Received++
		status, err := tracking.NormalizeStatus(ev.Status)
		if err != nil {
			sum.Invalid++
			in.metrics.IncWebhookEvent("other", "invalid")
			in.log.Debug("ignoring unknown status", logx.String("delivery_id", ev.DeliveryID), logx.String("status", ev.Status))
			continue
		}
		rec, applied, err := in.store.ApplyProviderStatus(ctx, ev.DeliveryID, status, ev.Timestamp)
		switch {
		case err != nil:
			in.metrics.IncWebhookEvent(status, "error")
			return sum, err
		case applied:
			sum.Applied++
			in.metrics.IncWebhookEvent(status, "applied")
			in.log.Debug("status applied", logx.String("msg_id", rec.MessageID), logx.String("delivery_id", ev.DeliveryID), logx.String("status", status))
		case rec.MessageID == "":
			sum.Unknown++
			in.metrics.IncWebhookEvent(status, "unknown")
		default:
			sum.Stale++
			in.metrics.IncWebhookEvent(status, "stale")
		}
	}
	return sum, nil
}
