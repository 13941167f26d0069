package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, ResetTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after threshold, got %s", got)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}, zap.NewNop())

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", got)
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after recovery, got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond}, zap.NewNop())

	_ = b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected reopened breaker, got %s", got)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, ResetTimeout: time.Minute}, zap.NewNop())

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errBoom })

	if got := b.State(); got != StateClosed {
		t.Fatalf("interleaved success should keep breaker closed, got %s", got)
	}
}
