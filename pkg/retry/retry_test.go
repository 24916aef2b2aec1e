package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:    maxRetries,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Fatalf("got %q after %d calls, want ok after 1", got, calls)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, MarkTransient(errors.New("connection reset"))
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestDoPropagatesLastErrorUnchangedAfterExhaustion(t *testing.T) {
	original := MarkTransient(errors.New("upstream down"))
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, original
	})
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (1 initial + 3 retries)", calls)
	}
	if !errors.Is(err, original) {
		t.Fatalf("err = %v, want the original error unchanged", err)
	}
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent error", err)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{MaxRetries: 5, BaseDelay: time.Hour, BackoffFactor: 2.0}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, policy, "op", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, MarkTransient(errors.New("boom"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDelayScheduleNonDecreasingAndCapped(t *testing.T) {
	policy := Policy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}

	var previous time.Duration
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		delay := delayFor(policy, attempt)
		if delay < previous {
			t.Fatalf("delay for attempt %d decreased: %v < %v", attempt, delay, previous)
		}
		if delay > policy.MaxDelay {
			t.Fatalf("delay for attempt %d exceeds max: %v", attempt, delay)
		}
		previous = delay
	}

	if got := delayFor(policy, 1); got != time.Second {
		t.Fatalf("first retry delay = %v, want 1s", got)
	}
	if got := delayFor(policy, 3); got != 4*time.Second {
		t.Fatalf("third retry delay = %v, want 4s", got)
	}
	if got := delayFor(policy, 10); got != policy.MaxDelay {
		t.Fatalf("deep retry delay = %v, want capped at %v", got, policy.MaxDelay)
	}
}

func TestJitterBounded(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		got := jittered(base)
		if got < base || got > base+base/10 {
			t.Fatalf("jittered delay %v outside [1s, 1.1s]", got)
		}
	}
}

func TestTransientMarking(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain error reported transient")
	}
	wrapped := MarkTransient(errors.New("timeout"))
	if !IsTransient(wrapped) {
		t.Fatal("marked error not reported transient")
	}
	if MarkTransient(nil) != nil {
		t.Fatal("MarkTransient(nil) should be nil")
	}
}
