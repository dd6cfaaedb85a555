package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/internal/provider"
	"courier/pkg/logx"
)

const defaultBaseURL = "https://graph.facebook.com/v21.0"

// Config addresses a Graph-style messaging endpoint:
// POST {BaseURL}/{PhoneNumberID}/messages with a bearer token.
type Config struct {
	BaseURL       string
	PhoneNumberID string
	Token         string
	Product       string        // messaging_product field; default "whatsapp"
	Timeout       time.Duration // per-request client timeout; default 10s
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default client (tests point it at httptest).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("cloudapi: phone_number_id is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("cloudapi: token is required")
	}
	if cfg.Product == "" {
		cfg.Product = "whatsapp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c, nil
}

func (c *Client) Name() string { return "cloudapi" }

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Deliver posts one message and classifies the reply:
// 2xx is a receipt, 429 is retry-after, 5xx and network failures are
// transient, other 4xx are permanent. 401 stays transient so an expired
// token does not burn queued messages while an operator rotates it.
func (c *Client) Deliver(ctx context.Context, req provider.Request) (provider.Receipt, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return provider.Receipt{}, provider.Permanent(err)
	}

	url := c.cfg.BaseURL + "/" + c.cfg.PhoneNumberID + "/messages"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return provider.Receipt{}, provider.Permanent(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(hreq)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return provider.Receipt{}, fmt.Errorf("cloudapi: timeout: %w", err)
		}
		return provider.Receipt{}, fmt.Errorf("cloudapi: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sr sendResponse
		if err := json.Unmarshal(raw, &sr); err != nil || len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
			// Accepted but unreadable; retrying could duplicate the message.
			return provider.Receipt{}, provider.Permanent(fmt.Errorf("cloudapi: accepted without message id: %s", truncate(string(raw), 200)))
		}
		return provider.Receipt{DeliveryID: sr.Messages[0].ID, AcceptedAt: c.now()}, nil
	}

	serr := &provider.StatusError{Code: resp.StatusCode, Body: errorMessage(raw)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after, _ := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return provider.Receipt{}, provider.RetryAfter(serr, after)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusRequestTimeout:
		return provider.Receipt{}, serr
	default:
		return provider.Receipt{}, provider.Permanent(serr)
	}
}

func (c *Client) buildBody(req provider.Request) ([]byte, error) {
	if strings.TrimSpace(req.RecipientID) == "" {
		return nil, errors.New("cloudapi: recipient is required")
	}
	typ := strings.TrimSpace(req.MessageType)
	if typ == "" {
		typ = "text"
	}
	content := req.Content
	if len(content) == 0 {
		return nil, errors.New("cloudapi: content is required")
	}
	payload := map[string]any{
		"messaging_product": c.cfg.Product,
		"recipient_type":    "individual",
		"to":                req.RecipientID,
		"type":              typ,
		typ:                 content,
	}
	return json.Marshal(payload)
}

func errorMessage(raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return truncate(strings.TrimSpace(string(raw)), 200)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
