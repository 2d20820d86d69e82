package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig(max int) Config {
	return Config{MaxRetries: max, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(5), quiet(), "deliver", func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got err=%v calls=%d", err, calls)
	}
}

func TestWithBackoffGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := WithBackoff(context.Background(), fastConfig(2), quiet(), "deliver", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected wrapped boom after 2 calls, got err=%v calls=%d", err, calls)
	}
}

func TestWithBackoffStopsOnPermanent(t *testing.T) {
	calls := 0
	rejected := errors.New("rejected")
	err := WithBackoff(context.Background(), fastConfig(5), quiet(), "deliver", func() error {
		calls++
		return &Permanent{Err: rejected}
	})
	if !errors.Is(err, rejected) || calls != 1 {
		t.Fatalf("permanent error should stop retries: err=%v calls=%d", err, calls)
	}
}

func TestWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, fastConfig(3), quiet(), "deliver", func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCalculateBackoffCapsDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	if got := calculateBackoff(cfg, 10); got != 4*time.Second {
		t.Fatalf("expected cap of 4s, got %v", got)
	}
	cfg.JitterEnabled = true
	got := calculateBackoff(cfg, 1)
	if got < 850*time.Millisecond || got > 1150*time.Millisecond {
		t.Fatalf("jitter out of bounds: %v", got)
	}
}
