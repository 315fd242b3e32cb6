package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/voicev2/internal/resilience"
)

func testRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, testRetry())
	err := sink.Emit(context.Background(), Summary{
		SessionID: "s1",
		Duration:  1500 * time.Millisecond,
		Turns:     3,
		ErrorCode: "reconnect_exhausted",
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
	if got["sessionId"] != "s1" || got["durationMs"] != float64(1500) || got["turns"] != float64(3) {
		t.Errorf("Unexpected payload: %v", got)
	}
	if got["errorCode"] != "reconnect_exhausted" {
		t.Errorf("Expected errorCode, got %v", got["errorCode"])
	}
}

func TestWebhookSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	if err := NewWebhookSink(server.URL, testRetry()).Emit(context.Background(), Summary{}); err == nil {
		t.Error("Expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

type countingSink struct{ n int }

func (c *countingSink) Emit(context.Context, Summary) error {
	c.n++
	return nil
}

func TestMultiSink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	if err := (MultiSink{a, b}).Emit(context.Background(), Summary{}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Errorf("Expected each sink called once, got %d and %d", a.n, b.n)
	}
}
