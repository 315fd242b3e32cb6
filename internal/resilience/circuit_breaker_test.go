package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_HalfOpenThenClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return nil })
		if err != nil {
			t.Fatalf("Expected probe %d to be allowed, got %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}

	time.Sleep(80 * time.Millisecond)

	err := cb.Call(func() error { return errors.New("still down") })
	if err == nil {
		t.Error("Expected probe error")
	}
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open after failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected function not to run while open")
	}
}

func TestCircuitBreaker_CancelledCallNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected cancellation to leave breaker Closed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := NewCircuitBreaker("tts", 1, 1*time.Second)

	var states []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "tts" {
			t.Errorf("Expected name 'tts', got '%s'", name)
		}
		states = append(states, state)
	})

	cb.RecordResult(false)
	cb.Reset()

	if len(states) != 2 || states[0] != StateOpen || states[1] != StateClosed {
		t.Errorf("Expected [open closed], got %v", states)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}

	cb.Reset()

	state, requestCount, failureCount, _ := cb.GetStats()
	if state != StateClosed || requestCount != 0 || failureCount != 0 {
		t.Error("Expected stats to be reset")
	}
}
