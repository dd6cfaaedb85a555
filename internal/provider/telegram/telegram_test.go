package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/provider"
	"courier/pkg/logx"
)

type fakeBot struct {
	to    tele.Recipient
	text  string
	opts  *tele.SendOptions
	err   error
	block chan struct{}
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.to = to
	f.text, _ = what.(string)
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.opts = so
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tele.Message{ID: 42}, nil
}

func req(recipient, content string) provider.Request {
	return provider.Request{MessageID: "m", RecipientID: recipient, MessageType: "text", Content: json.RawMessage(content)}
}

func TestDeliverSendsText(t *testing.T) {
	bot := &fakeBot{}
	tr := newWithBot(Config{ParseMode: "HTML"}, bot, logx.Nop())

	rc, err := tr.Deliver(context.Background(), req("-100123", `{"text":"<b>hi</b>","thread_id":7}`))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rc.DeliveryID != "-100123:42" {
		t.Fatalf("delivery id = %q", rc.DeliveryID)
	}
	if bot.to.Recipient() != "-100123" || bot.text != "<b>hi</b>" {
		t.Fatalf("sent %q to %q", bot.text, bot.to.Recipient())
	}
	if bot.opts == nil || bot.opts.ThreadID != 7 || bot.opts.ParseMode != tele.ModeHTML {
		t.Fatalf("options = %+v", bot.opts)
	}
}

func TestDeliverRejectsBadInput(t *testing.T) {
	tr := newWithBot(Config{}, &fakeBot{}, logx.Nop())
	cases := []provider.Request{
		req("alice", `{"text":"x"}`),
		req("1", `{"text":""}`),
		req("1", `not json`),
		{RecipientID: "1", MessageType: "template", Content: json.RawMessage(`{"text":"x"}`)},
	}
	for i, r := range cases {
		_, err := tr.Deliver(context.Background(), r)
		if !provider.IsPermanent(err) {
			t.Fatalf("case %d: want permanent error, got %v", i, err)
		}
	}
}

func TestClassifyAPIErrors(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
		retryHint bool
	}{
		{err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, permanent: true},
		{err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, permanent: true},
		{err: &tele.Error{Code: 502, Description: "Bad Gateway"}},
		{err: &tele.Error{Code: 429, Description: "Too Many Requests"}, retryHint: true},
		{err: errors.New("connection reset")},
	}
	for i, tc := range cases {
		tr := newWithBot(Config{}, &fakeBot{err: tc.err}, logx.Nop())
		_, err := tr.Deliver(context.Background(), req("1", `{"body":"x"}`))
		if err == nil {
			t.Fatalf("case %d: expected error", i)
		}
		if got := provider.IsPermanent(err); got != tc.permanent {
			t.Fatalf("case %d: permanent = %v, want %v", i, got, tc.permanent)
		}
		if _, ok := provider.RetryAfterHint(err); ok != tc.retryHint {
			t.Fatalf("case %d: retry hint = %v, want %v", i, ok, tc.retryHint)
		}
	}
}

func TestDeliverHonorsContext(t *testing.T) {
	bot := &fakeBot{block: make(chan struct{})}
	defer close(bot.block)
	tr := newWithBot(Config{}, bot, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Deliver(ctx, req("1", `{"text":"x"}`))
	if !errors.Is(err, context.DeadlineExceeded) || provider.IsPermanent(err) {
		t.Fatalf("err = %v, want transient deadline", err)
	}
}
