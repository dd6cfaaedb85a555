package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/kv"
	"courier/internal/tracking"
)

func TestVerifySignature(t *testing.T) {
	in := New(Config{Secret: "s3cret"}, nil)
	body := []byte(`{"deliveryId":"d1","status":"read"}`)

	if err := in.Verify(body, Sign("s3cret", body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	bad := []string{
		"",
		"sha1=abcd",
		"sha256=zz",
		Sign("other", body),
		Sign("s3cret", append(body, ' ')),
	}
	for i, sig := range bad {
		if err := in.Verify(body, sig); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestVerifyWithoutSecret(t *testing.T) {
	body := []byte(`{"deliveryId":"d1","status":"read"}`)

	in := New(Config{}, nil)
	for _, sig := range []string{"", Sign("", body), Sign("guess", body)} {
		if err := in.Verify(body, sig); !errors.Is(err, ErrNoSecret) {
			t.Fatalf("sig %q: err = %v, want ErrNoSecret", sig, err)
		}
	}
	if _, err := in.Ingest(context.Background(), body, ""); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("ingest err = %v", err)
	}

	open := New(Config{AllowUnsigned: true}, nil)
	if err := open.Verify(body, ""); err != nil {
		t.Fatalf("allow_unsigned rejected callback: %v", err)
	}
}

func TestParseShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []StatusEvent
	}{
		{
			name: "flat",
			body: `{"deliveryId":"d1","recipientId":"r1","status":"delivered","timestamp":1700000000}`,
			want: []StatusEvent{{DeliveryID: "d1", RecipientID: "r1", Status: "delivered", Timestamp: time.Unix(1700000000, 0).UTC()}},
		},
		{
			name: "array with millis and rfc3339",
			body: `[{"deliveryId":"d1","status":"sent","timestamp":1700000000123},{"deliveryId":"d2","status":"read","timestamp":"2024-01-02T03:04:05Z"}]`,
			want: []StatusEvent{
				{DeliveryID: "d1", Status: "sent", Timestamp: time.UnixMilli(1700000000123).UTC()},
				{DeliveryID: "d2", Status: "read", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
			},
		},
		{
			name: "graph envelope",
			body: `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.X","recipient_id":"15551234","status":"read","timestamp":"1700000001"}]}}]}]}`,
			want: []StatusEvent{{DeliveryID: "wamid.X", RecipientID: "15551234", Status: "read", Timestamp: time.Unix(1700000001, 0).UTC()}},
		},
		{
			name: "graph envelope without statuses",
			body: `{"entry":[{"changes":[{"field":"messages","value":{"messages":[{"id":"in"}]}}]}]}`,
		},
	}
	for _, tc := range cases {
		got, err := Parse([]byte(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %d events, want %d", tc.name, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: event %d = %+v, want %+v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, body := range []string{``, `nope`, `{"status":"read"}`, `[{"deliveryId":"d"}]`, `{"deliveryId":"d","status":"read","timestamp":"yesterday"}`} {
		if _, err := Parse([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: err = %v", body, err)
		}
	}
}

func TestChallenge(t *testing.T) {
	in := New(Config{VerifyToken: "tok"}, nil)
	if got, err := in.Challenge("subscribe", "tok", "1234"); err != nil || got != "1234" {
		t.Fatalf("challenge = %q, %v", got, err)
	}
	if _, err := in.Challenge("subscribe", "wrong", "1234"); !errors.Is(err, ErrVerifyToken) {
		t.Fatalf("err = %v", err)
	}
	if _, err := in.Challenge("unsubscribe", "tok", "1234"); !errors.Is(err, ErrVerifyToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestAppliesStatuses(t *testing.T) {
	ctx := context.Background()
	tr := tracking.New(kv.NewMemory(), tracking.Config{KeyPrefix: "t"})
	if err := tr.Record(ctx, tracking.Update{MessageID: "m1", State: tracking.StateDelivered, DeliveryID: "d1"}); err != nil {
		t.Fatal(err)
	}
	in := New(Config{Secret: "k"}, tr)

	body := []byte(`[
		{"deliveryId":"d1","status":"read"},
		{"deliveryId":"d1","status":"delivered"},
		{"deliveryId":"ghost","status":"read"},
		{"deliveryId":"d1","status":"bounced"}
	]`)
	sum, err := in.Ingest(ctx, body, Sign("k", body))
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Received: 4, Applied: 1, Stale: 1, Unknown: 1, Invalid: 1}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
	rec, _, _ := tr.Get(ctx, "m1")
	if rec.ProviderStatus != "read" {
		t.Fatalf("provider status = %q", rec.ProviderStatus)
	}

	if _, err := in.Ingest(ctx, body, "sha256=00"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("unsigned ingest err = %v", err)
	}
}
