package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMarkersSurviveWrapping(t *testing.T) {
	base := errors.New("bad recipient")
	err := fmt.Errorf("deliver m1: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatal("wrapped permanent error lost its marker")
	}
	if !errors.Is(err, base) {
		t.Fatal("permanent error must unwrap to its cause")
	}

	ra := fmt.Errorf("deliver: %w", RetryAfter(errors.New("429"), 3*time.Second))
	if IsPermanent(ra) {
		t.Fatal("retry-after is not permanent")
	}
	if d, ok := RetryAfterHint(ra); !ok || d != 3*time.Second {
		t.Fatalf("hint = %v, %v", d, ok)
	}
	if _, ok := RetryAfterHint(base); ok {
		t.Fatal("plain error has no hint")
	}
	if Permanent(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil errors must stay nil")
	}
}
