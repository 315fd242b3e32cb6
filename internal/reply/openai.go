package reply

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
)

const (
	chunkPrefix = "data: "
	endMessage  = "[DONE]"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
}

// OpenAIGenerator streams replies from any OpenAI-compatible
// /chat/completions endpoint over server-sent events.
type OpenAIGenerator struct {
	config         OpenAIConfig
	client         *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

func NewOpenAIGenerator(cfg OpenAIConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		config: cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
		circuitBreaker: breaker,
		logger:         observability.Component(logger, "reply.openai"),
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.config.Model,
		Messages: toMessages(g.config.SystemPrompt, req),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	url := strings.TrimRight(g.config.BaseURL, "/") + "/chat/completions"

	var resp *http.Response
	err = g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("error creating HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if g.config.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+g.config.APIKey)
		}

		resp, err = g.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("error sending request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("non-OK HTTP status: %s: %s", resp.Status, strings.TrimSpace(string(errorBody)))
		}
		return nil
	})
	observability.UpdateCircuitBreakerState(g.circuitBreaker.Name(), int(g.circuitBreaker.GetState()))
	if err != nil {
		if err != resilience.ErrCircuitOpen {
			observability.IncrementCircuitBreakerFailures(g.circuitBreaker.Name())
		}
		return nil, err
	}

	chunks := make(chan Chunk, 32)
	go g.read(ctx, req, resp, chunks)
	return chunks, nil
}

func (g *OpenAIGenerator) read(ctx context.Context, req Request, resp *http.Response, chunks chan<- Chunk) {
	defer close(chunks)
	defer resp.Body.Close()

	_, span := observability.Tracer().Start(ctx, "reply stream")
	span.SetAttributes(
		attribute.String("request.model", g.config.Model),
		attribute.String("attempt.id", req.AttemptID),
	)
	started := time.Now()
	first := true

	send := func(c Chunk) bool {
		if first && c.Err == nil {
			span.AddEvent("received first chunk")
			span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(started).Seconds()))
			first = false
		}
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var err error
	defer func() { observability.EndSpan(span, err) }()

	// Some local servers ignore stream=true and answer with one JSON body.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var complete completeResponse
		if err = json.NewDecoder(resp.Body).Decode(&complete); err != nil {
			err = fmt.Errorf("error decoding response: %w", err)
			send(Chunk{Err: err})
			return
		}
		if len(complete.Choices) == 0 {
			return
		}
		for _, piece := range splitChunks(complete.Choices[0].Message.Content, fallbackChunkSize) {
			if !send(Chunk{Text: piece}) {
				return
			}
		}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
		if len(chunk) == 0 || strings.HasPrefix(chunk, ":") {
			continue
		}
		if chunk == endMessage {
			return
		}

		var responseBody streamingResponse
		if jsonErr := json.Unmarshal([]byte(chunk), &responseBody); jsonErr != nil {
			g.logger.Warn().Err(jsonErr).Str("attempt_id", req.AttemptID).Msg("Skipping malformed stream chunk")
			continue
		}
		if len(responseBody.Choices) == 0 {
			continue
		}
		choice := responseBody.Choices[0]
		if choice.Delta.Content != "" {
			if !send(Chunk{Text: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != nil {
			return
		}
	}

	if scanErr := scanner.Err(); scanErr != nil && ctx.Err() == nil {
		err = fmt.Errorf("error reading stream: %w", scanErr)
		send(Chunk{Err: err})
	}
}
