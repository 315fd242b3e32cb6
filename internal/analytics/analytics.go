// Package analytics delivers the end-of-call session summary.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexiqai/voicev2/internal/resilience"
)

// Summary is emitted once per call when the session ends.
type Summary struct {
	SessionID string        `json:"sessionId"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Duration  time.Duration `json:"-"`
	Turns     int           `json:"turns"`
	BargeIns  int           `json:"bargeIns"`
	ErrorCode string        `json:"errorCode,omitempty"`
}

// MarshalJSON reports Duration in milliseconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	type alias Summary
	return json.Marshal(struct {
		alias
		Duration int64 `json:"durationMs"`
	}{alias: alias(s), Duration: s.Duration.Milliseconds()})
}

// Sink receives session summaries.
type Sink interface {
	Emit(ctx context.Context, summary Summary) error
}

// LogSink writes the summary to the log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, summary Summary) error {
	event := s.logger.Info().
		Str("session_id", summary.SessionID).
		Dur("duration", summary.Duration).
		Int("turns", summary.Turns).
		Int("barge_ins", summary.BargeIns)
	if summary.ErrorCode != "" {
		event = event.Str("error_code", summary.ErrorCode)
	}
	event.Msg("Session summary")
	return nil
}

// WebhookSink POSTs the summary as JSON, retrying transient failures.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  *resilience.RetryConfig
}

func NewWebhookSink(url string, retry *resilience.RetryConfig) *WebhookSink {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 5 * time.Second},
		retry:  retry,
	}
}

func (s *WebhookSink) Emit(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	return resilience.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return resilience.NewRetryableError(err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return resilience.NewRetryableError(fmt.Errorf("analytics webhook returned status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("analytics webhook returned status %d", resp.StatusCode)
		}
		return nil
	}, s.retry, resilience.IsRetryable)
}

// MultiSink fans a summary out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, summary Summary) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
