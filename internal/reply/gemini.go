package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// GeminiGenerator streams replies from the Gemini API.
type GeminiGenerator struct {
	config         GeminiConfig
	client         *genai.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiGenerator{
		config:         cfg,
		client:         client,
		circuitBreaker: breaker,
		logger:         observability.Component(logger, "reply.gemini"),
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := g.circuitBreaker.Allow(); err != nil {
		return nil, err
	}

	contents := toContents(req)
	var config *genai.GenerateContentConfig
	if g.config.SystemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.config.SystemPrompt, genai.RoleUser),
		}
	}

	chunks := make(chan Chunk, 32)
	go func() {
		defer close(chunks)

		var streamErr error
		defer func() {
			// Caller cancellation is not a provider failure.
			failed := streamErr != nil || errors.Is(ctx.Err(), context.DeadlineExceeded)
			g.circuitBreaker.RecordResult(!failed)
			if failed {
				observability.IncrementCircuitBreakerFailures(g.circuitBreaker.Name())
			}
		}()

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.config.Model, contents, config) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				streamErr = fmt.Errorf("gemini stream: %w", err)
				g.logger.Warn().Err(err).Str("attempt_id", req.AttemptID).Msg("Reply stream failed")
				select {
				case chunks <- Chunk{Err: streamErr}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case chunks <- Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

func toContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := genai.Role(genai.RoleUser)
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return append(contents, genai.NewContentFromText(req.Text, genai.RoleUser))
}
