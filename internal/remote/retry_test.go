package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/swent-agendapp/eventsync/internal/model"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsSecondAttempt(t *testing.T) {
	sentinel := errors.New("transient")
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return sentinel
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	sentinel := errors.New("persistent failure")
	calls := 0
	err := Retry(context.Background(), 2, func() error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error chain does not contain sentinel: %v", err)
	}
}

func TestRetry_ContractErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("lookup: %w", model.ErrNotFound)
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("called %d times, want 0 (context already cancelled)", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := Retry(ctx, 10, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, expected between 1 and 9", calls)
	}
}

func TestBackoffDelay_Increases(t *testing.T) {
	// d0 ∈ [125ms, 250ms), d1 ∈ [250ms, 500ms), d2 ∈ [500ms, 1s)
	if d := backoffDelay(0); d < 125*time.Millisecond || d >= 250*time.Millisecond {
		t.Errorf("d0 = %v, expected [125ms, 250ms)", d)
	}
	if d := backoffDelay(1); d < 250*time.Millisecond || d >= 500*time.Millisecond {
		t.Errorf("d1 = %v, expected [250ms, 500ms)", d)
	}
	if d := backoffDelay(2); d < 500*time.Millisecond || d >= time.Second {
		t.Errorf("d2 = %v, expected [500ms, 1s)", d)
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	d := backoffDelay(10)
	if d >= maxDelay || d < maxDelay/2 {
		t.Errorf("delay = %v, expected [%v, %v)", d, maxDelay/2, maxDelay)
	}
}

func TestUnavailable(t *testing.T) {
	if unavailable("op", nil) != nil {
		t.Error("nil error should stay nil")
	}

	err := unavailable("insert", errors.New("connection refused"))
	if !errors.Is(err, model.ErrRemoteUnavailable) {
		t.Errorf("transport error not marked unavailable: %v", err)
	}

	err = unavailable("insert", fmt.Errorf("x: %w", model.ErrDuplicateID))
	if errors.Is(err, model.ErrRemoteUnavailable) {
		t.Errorf("contract error must not be marked unavailable: %v", err)
	}
	if !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("contract error lost: %v", err)
	}
}
