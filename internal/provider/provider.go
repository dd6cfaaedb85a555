package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request is one outbound message as the provider sees it.
type Request struct {
	MessageID   string
	RecipientID string
	MessageType string
	Content     json.RawMessage
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	DeliveryID string
	AcceptedAt time.Time
}

// Transport performs a single delivery attempt.
//
// Implementations classify failures: wrap with Permanent when retrying cannot
// help, with RetryAfter when the provider says when to come back. Anything
// else is treated as transient.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, req Request) (Receipt, error)
}

// Permanent marks an error as non-retryable (validation, unknown recipient,
// rejected content).
//
// Example:
//
//	return provider.Permanent(fmt.Errorf("bad recipient: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter marks a transient error that carries a suggested delay,
// typically from an HTTP 429 Retry-After header or a flood-control reply.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts the suggested delay from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// StatusError is returned by HTTP transports for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Code, e.Body)
}
