package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// instantTimer fires immediately and records the requested delays.
type instantTimer struct {
	c      chan time.Time
	delays *[]time.Duration
}

func (t *instantTimer) Start(d time.Duration) {
	*t.delays = append(*t.delays, d)
	t.c <- time.Time{}
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func fakeTimer(delays *[]time.Duration) func() backoff.Timer {
	return func() backoff.Timer {
		return &instantTimer{c: make(chan time.Time, 1), delays: delays}
	}
}

func retryable() error {
	return &apperror.IntegrationError{Service: "payer", StatusCode: 503, Retryable: true}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, NewTimer: fakeTimer(&delays)}

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return retryable()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, NewTimer: fakeTimer(&delays)}

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return retryable()
	})
	if !apperror.IsRetryable(err) {
		t.Fatalf("expected last retryable error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NonRetryableSurfacesImmediately(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, NewTimer: fakeTimer(&delays)}
	badRequest := &apperror.IntegrationError{Service: "payer", StatusCode: 400}

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return badRequest
	})
	if err != badRequest {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
	if attempts != 1 || len(delays) != 0 {
		t.Errorf("expected a single attempt and no waits, got %d attempts, %d waits", attempts, len(delays))
	}
}

func TestDo_MaxDelayCapsBackoff(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 10, MaxDelay: 3 * time.Second, NewTimer: fakeTimer(&delays)}
	p.Do(context.Background(), func(context.Context) error { return retryable() })

	for i, d := range delays {
		if d > 3*time.Second {
			t.Errorf("delay %d exceeds max: %v", i, d)
		}
	}
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3}
	err := p.Do(ctx, func(context.Context) error { return retryable() })
	if !errors.Is(err, context.Canceled) && !apperror.IsRetryable(err) {
		t.Errorf("expected cancellation or last error, got %v", err)
	}
}

func TestDo_OnRetryCalled(t *testing.T) {
	var delays []time.Duration
	notified := 0
	p := Policy{MaxAttempts: 2, NewTimer: fakeTimer(&delays), OnRetry: func(error, time.Duration) { notified++ }}
	p.Do(context.Background(), func(context.Context) error { return retryable() })
	if notified != 1 {
		t.Errorf("expected 1 notification, got %d", notified)
	}
}
