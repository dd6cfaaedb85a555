package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/sender"
	"courier/internal/tracking"
	"courier/internal/webhook"
	"courier/pkg/logx"
)

const maxEnqueueBody = 256 << 10

type handlers struct {
	deps Deps
	log  logx.Logger
}

type enqueueRequest struct {
	RecipientID string          `json:"recipient_id"`
	MessageType string          `json:"message_type"`
	Content     json.RawMessage `json:"content"`
	Priority    *float64        `json:"priority,omitempty"`
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	id, err := h.deps.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		RecipientID: req.RecipientID,
		MessageType: req.MessageType,
		Content:     req.Content,
		Priority:    req.Priority,
	})
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case queue.IsFull(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue full")
		return
	default:
		h.log.Error("enqueue failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if h.deps.Tracker != nil {
		err := h.deps.Tracker.Record(r.Context(), tracking.Update{
			MessageID:   id,
			RecipientID: req.RecipientID,
			State:       tracking.StatePending,
		})
		if err != nil {
			h.log.Warn("tracking pending failed", logx.String("msg_id", id), logx.Err(err))
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": tracking.StatePending})
}

type messageView struct {
	ID       string           `json:"id"`
	Queued   bool             `json:"queued"`
	Message  *queue.Message   `json:"message,omitempty"`
	Tracking *tracking.Record `json:"tracking,omitempty"`
}

func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	view := messageView{ID: id}
	msg, ok, err := h.deps.Queue.Get(ctx, id)
	if err != nil {
		h.log.Error("queue lookup failed", logx.String("msg_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if ok {
		view.Queued = true
		view.Message = &msg
	}
	if h.deps.Tracker != nil {
		rec, found, err := h.deps.Tracker.Get(ctx, id)
		if err != nil {
			h.log.Error("tracking lookup failed", logx.String("msg_id", id), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if found {
			view.Tracking = &rec
		}
	}
	if view.Message == nil && view.Tracking == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type queueView struct {
	Size     int64                   `json:"size"`
	MaxSize  int64                   `json:"max_size"`
	Provider string                  `json:"provider,omitempty"`
	Limiter  *ratelimit.Stats        `json:"limiter,omitempty"`
	Breaker  *sender.BreakerSnapshot `json:"breaker,omitempty"`
}

func (h *handlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Queue.Size(r.Context())
	if err != nil {
		h.log.Error("queue size failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "size failed")
		return
	}
	view := queueView{Size: n, MaxSize: h.deps.Queue.MaxSize(), Provider: h.deps.Provider}
	if h.deps.Limiter != nil {
		st := h.deps.Limiter.Stats()
		view.Limiter = &st
	}
	if h.deps.Breaker != nil {
		snap := h.deps.Breaker.Snapshot()
		view.Breaker = &snap
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			h.log.Warn("health check failed", logx.Err(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) webhookChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := h.deps.Ingestor.Challenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(challenge))
}

func (h *handlers) webhookEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.deps.Ingestor.MaxBodyBytes()))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read failed")
		return
	}

	sum, err := h.deps.Ingestor.Ingest(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sum)
	case errors.Is(err, webhook.ErrBadSignature), errors.Is(err, webhook.ErrNoSecret):
		writeError(w, http.StatusUnauthorized, "bad signature")
	case errors.Is(err, webhook.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed payload")
	default:
		// 5xx makes the provider redeliver.
		h.log.Error("webhook ingest failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
