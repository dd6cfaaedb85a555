package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"courier/internal/provider"
	"courier/pkg/logx"
)

const maxTextLen = 4096

// Config configures the Telegram Bot API transport.
type Config struct {
	Token     string
	ParseMode string // "", "HTML", "Markdown", "MarkdownV2"
	Timeout   time.Duration
}

// botAPI is the part of *tele.Bot the transport needs.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Transport delivers text messages to Telegram chats. RecipientID is the chat id.
type Transport struct {
	cfg Config
	bot botAPI
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	return newWithBot(cfg, b, log), nil
}

func newWithBot(cfg Config, b botAPI, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, bot: b, log: log, now: time.Now}
}

func (t *Transport) Name() string { return "telegram" }

type textContent struct {
	Text string `json:"text"`
	Body string `json:"body"`
	// ThreadID targets a forum topic.
	ThreadID int `json:"thread_id,omitempty"`
	Silent   bool `json:"silent,omitempty"`
}

// Deliver sends one text message. telebot calls are not context-aware, so
// the call runs in a goroutine and an expired ctx abandons it as transient.
func (t *Transport) Deliver(ctx context.Context, req provider.Request) (provider.Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(req.RecipientID), 10, 64)
	if err != nil {
		return provider.Receipt{}, provider.Permanent(fmt.Errorf("telegram: recipient %q is not a chat id", req.RecipientID))
	}
	if typ := strings.TrimSpace(req.MessageType); typ != "" && typ != "text" {
		return provider.Receipt{}, provider.Permanent(fmt.Errorf("telegram: unsupported message type %q", typ))
	}
	var c textContent
	if len(req.Content) > 0 {
		if err := json.Unmarshal(req.Content, &c); err != nil {
			return provider.Receipt{}, provider.Permanent(fmt.Errorf("telegram: content: %w", err))
		}
	}
	text := c.Text
	if text == "" {
		text = c.Body
	}
	if strings.TrimSpace(text) == "" {
		return provider.Receipt{}, provider.Permanent(errors.New("telegram: empty text"))
	}
	if utf8.RuneCountInString(text) > maxTextLen {
		return provider.Receipt{}, provider.Permanent(fmt.Errorf("telegram: text exceeds %d characters", maxTextLen))
	}

	opts := &tele.SendOptions{
		ParseMode:           tele.ParseMode(t.cfg.ParseMode),
		ThreadID:            c.ThreadID,
		DisableNotification: c.Silent,
	}

	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := t.bot.Send(tele.ChatID(chatID), text, opts)
		done <- result{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return provider.Receipt{}, fmt.Errorf("telegram: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return provider.Receipt{}, classify(r.err)
		}
		id := ""
		if r.msg != nil {
			id = strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(r.msg.ID)
		}
		return provider.Receipt{DeliveryID: id, AcceptedAt: t.now()}, nil
	}
}

// classify maps Bot API failures onto provider error kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return provider.RetryAfter(errors.New("telegram: flood control"), time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return provider.RetryAfter(errors.New("telegram: flood control"), time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return provider.RetryAfter(err, 0)
		case apiErr.Code >= 500:
			return err
		case apiErr.Code == 401:
			// Token problems are an operator fix; keep messages queued.
			return err
		case apiErr.Code >= 400:
			return provider.Permanent(err)
		}
	}
	return err
}
