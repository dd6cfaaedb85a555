package eventbus

import "time"

// Delivery lifecycle event types.
const (
	TypeDispatched     = "delivery.dispatched"
	TypeDelivered      = "delivery.delivered"
	TypeRetryScheduled = "delivery.retry_scheduled"
	TypeFailed         = "delivery.failed"
)

// DeliveryEvent is the Data payload of the delivery.* events.
type DeliveryEvent struct {
	MessageID   string        `json:"message_id"`
	RecipientID string        `json:"recipient_id"`
	MessageType string        `json:"message_type,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	DeliveryID  string        `json:"delivery_id,omitempty"`
	RetryCount  int           `json:"retry_count"`
	Attempts    int           `json:"attempts,omitempty"`
	Delay       time.Duration `json:"delay_ns,omitempty"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// IsDelivery reports whether t is one of the delivery.* types.
func IsDelivery(t string) bool {
	switch t {
	case TypeDispatched, TypeDelivered, TypeRetryScheduled, TypeFailed:
		return true
	}
	return false
}
