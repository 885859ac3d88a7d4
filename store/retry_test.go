package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gurre/ddlog-backup/ddlogerr"
)

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	r := DefaultRetrier()
	r.Base = time.Millisecond
	r.Max = 5 * time.Millisecond

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ddlogerr.New(ddlogerr.Transient, "throttled", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestRetrier_StopsImmediatelyOnNonTransient(t *testing.T) {
	r := DefaultRetrier()
	r.Base = time.Millisecond

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ddlogerr.New(ddlogerr.Fatal, "permission denied", nil)
	})
	if !ddlogerr.Is(err, ddlogerr.Fatal) {
		t.Fatalf("expected fatal error to propagate unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("got %d attempts, want 1 (no retry on fatal)", attempts)
	}
}

func TestRetrier_ExhaustsAfterMaxAttempts(t *testing.T) {
	r := DefaultRetrier()
	r.Base = time.Millisecond
	r.Max = 2 * time.Millisecond
	r.MaxAttempts = 3

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ddlogerr.New(ddlogerr.Transient, "still throttled", nil)
	})
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
	if !ddlogerr.Is(err, ddlogerr.Transient) {
		t.Fatalf("expected exhaustion error to retain transient kind, got %v", err)
	}
}

func TestRetrier_ContextCancellationDuringBackoff(t *testing.T) {
	r := DefaultRetrier()
	r.Base = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(ctx context.Context) error {
			attempts++
			return ddlogerr.New(ddlogerr.Transient, "throttled", nil)
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Do did not return after context cancellation")
	}
}
