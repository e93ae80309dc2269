package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errFlaky = errors.New("flaky")

func fastPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.5,
		Retryable:    retryable,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), zap.NewNop(), fastPolicy(nil), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), zap.NewNop(), fastPolicy(nil), func(context.Context) error {
		calls++
		return errFlaky
	})

	if !errors.Is(err, errFlaky) {
		t.Fatalf("Expected last error to be returned, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	retryable := func(err error) bool { return errors.Is(err, errFlaky) }

	err := Do(context.Background(), zap.NewNop(), fastPolicy(retryable), func(context.Context) error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt for a non-retryable error, got %d", calls)
	}
}

func TestDo_SingleAttemptPolicy(t *testing.T) {
	calls := 0
	p := fastPolicy(nil)
	p.MaxAttempts = 0

	_ = Do(context.Background(), zap.NewNop(), p, func(context.Context) error {
		calls++
		return errFlaky
	})

	if calls != 1 {
		t.Errorf("Expected one attempt, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(nil)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour

	calls := 0
	err := Do(ctx, zap.NewNop(), p, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retry after cancellation, got %d calls", calls)
	}
}

func TestDefaultPolicy_Delays(t *testing.T) {
	p := DefaultPolicy(nil)
	delays := p.delays()

	expected := []time.Duration{4 * time.Second, 6 * time.Second}
	if len(delays) != len(expected) {
		t.Fatalf("Expected %d delays, got %d", len(expected), len(delays))
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d = %v, expected %v", i, delays[i], expected[i])
		}
	}

	p.MaxAttempts = 6
	for _, d := range p.delays() {
		if d < DefaultInitialDelay || d > DefaultMaxDelay {
			t.Errorf("Delay %v outside [%v, %v]", d, DefaultInitialDelay, DefaultMaxDelay)
		}
	}
}

func TestFixedPolicy_Delays(t *testing.T) {
	p := FixedPolicy(3, 7*time.Second, nil)
	delays := p.delays()

	if len(delays) != 2 {
		t.Fatalf("Expected 2 delays, got %d", len(delays))
	}
	for i, d := range delays {
		if d != 7*time.Second {
			t.Errorf("Delay %d = %v, expected 7s", i, d)
		}
	}
}
