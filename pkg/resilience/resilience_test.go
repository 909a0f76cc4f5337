// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	ipcerrors "github.com/jllopis/ipcollab/pkg/errors"
)

func fastRetry() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(2 * time.Millisecond)
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	retries := 0
	config := fastRetry().WithMaxAttempts(2).WithOnRetry(func(int, error) { retries++ })
	err := config.Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if retries != 1 {
		t.Errorf("expected 1 retry callback, got %d", retries)
	}
}

func TestRetryTypedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{name: "unknown role is final", err: ipcerrors.UnknownRole("dentist"), attempts: 1},
		{name: "index outage is retried", err: ipcerrors.IndexUnavailable(nil), attempts: 3},
		{name: "classifier outage is final", err: ipcerrors.ClassifierUnavailable(nil), attempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := fastRetry().Do(context.Background(), func() error {
				attempts++
				return tt.err
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if attempts != tt.attempts {
				t.Errorf("expected %d attempts, got %d", tt.attempts, attempts)
			}
		})
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig().WithInitialDelay(100 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := config.Do(ctx, func() error {
		attempts++
		return errors.New("transient error")
	})

	if !ipcerrors.HasCode(err, ipcerrors.CodeContextLost) {
		t.Errorf("expected context lost error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryGeneric(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %v", result)
	}
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	if !ipcerrors.HasCode(err, ipcerrors.CodeTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}

	v, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("expected 7, got %d (%v)", v, err)
	}
}

func TestWithTimeoutRecoversPanic(t *testing.T) {
	_, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	if !ipcerrors.HasCode(err, ipcerrors.CodeInternal) {
		t.Errorf("expected internal error, got %v", err)
	}
}

func TestCircuitBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Name: "generation"})

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), func() error { return errors.New("failure") })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected state Open after 2 failures")
	}

	err := cb.Call(context.Background(), func() error {
		t.Fatalf("should not execute in open state")
		return nil
	})
	if err == nil {
		t.Errorf("expected error when circuit is open")
	}
	if ipcerrors.As(err).Recoverable {
		t.Errorf("open circuit should stop the retry loop")
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func() error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), func() error { return nil })
	if cb.State() != StateHalfOpen {
		t.Errorf("expected state HalfOpen after timeout, got %s", cb.State())
	}

	_ = cb.Call(context.Background(), func() error { return nil })
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after successes in half-open")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func() error { return errors.New("fail") })
	now = now.Add(2 * time.Second)
	_ = cb.Call(context.Background(), func() error { return errors.New("still failing") })

	if cb.State() != StateOpen {
		t.Errorf("expected failed probe to reopen, got %s", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Call(context.Background(), func() error { return errors.New("fail") })
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after reset")
	}
	if err := cb.Call(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("call failed after reset: %v", err)
	}
}
