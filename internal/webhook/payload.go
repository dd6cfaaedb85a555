package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("webhook: malformed payload")

// StatusEvent is one provider status callback.
type StatusEvent struct {
	DeliveryID  string
	RecipientID string
	Status      string
	Timestamp   time.Time
}

type flatStatus struct {
	DeliveryID  string          `json:"deliveryId"`
	RecipientID string          `json:"recipientId"`
	Status      string          `json:"status"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type graphEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID          string          `json:"id"`
					RecipientID string          `json:"recipient_id"`
					Status      string          `json:"status"`
					Timestamp   json.RawMessage `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Parse decodes a callback body. Accepted shapes: a flat status object,
// an array of flat status objects, or a Graph-style entry/changes envelope.
func Parse(body []byte) ([]StatusEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if body[0] == '[' {
		var flat []flatStatus
		if err := json.Unmarshal(body, &flat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := make([]StatusEvent, 0, len(flat))
		for i, f := range flat {
			ev, err := f.event()
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, ev)
		}
		return out, nil
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := shape["entry"]; ok {
		return parseGraph(body)
	}

	var f flatStatus
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev, err := f.event()
	if err != nil {
		return nil, err
	}
	return []StatusEvent{ev}, nil
}

func parseGraph(body []byte) ([]StatusEvent, error) {
	var env graphEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var out []StatusEvent
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			// Inbound messages and other change kinds carry no statuses.
			for _, s := range c.Value.Statuses {
				ts, err := parseTimestamp(s.Timestamp)
				if err != nil {
					return nil, err
				}
				if s.ID == "" || s.Status == "" {
					return nil, fmt.Errorf("%w: status without id or status", ErrMalformed)
				}
				out = append(out, StatusEvent{DeliveryID: s.ID, RecipientID: s.RecipientID, Status: s.Status, Timestamp: ts})
			}
		}
	}
	return out, nil
}

func (f flatStatus) event() (StatusEvent, error) {
	if strings.TrimSpace(f.DeliveryID) == "" || strings.TrimSpace(f.Status) == "" {
		return StatusEvent{}, fmt.Errorf("%w: deliveryId and status are required", ErrMalformed)
	}
	ts, err := parseTimestamp(f.Timestamp)
	if err != nil {
		return StatusEvent{}, err
	}
	return StatusEvent{DeliveryID: f.DeliveryID, RecipientID: f.RecipientID, Status: f.Status, Timestamp: ts}, nil
}

// parseTimestamp accepts unix seconds or milliseconds (number or numeric
// string) and RFC 3339 strings. A missing timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		if s == "" {
			return time.Time{}, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}
	return t.UTC(), nil
}
