package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
)

// Synthesizer converts one sentence to linear16 PCM at the playback rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

const (
	cartesiaURL        = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaConfig configures the Cartesia synthesizer.
type CartesiaConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	// OutputRate is the playback sample rate audio is resampled to.
	OutputRate int
	// URL overrides the API endpoint.
	URL string
}

// CartesiaSynthesizer implements Synthesizer using Cartesia's bytes API.
type CartesiaSynthesizer struct {
	config         CartesiaConfig
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

func NewCartesiaSynthesizer(cfg CartesiaConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *CartesiaSynthesizer {
	if cfg.URL == "" {
		cfg.URL = cartesiaURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-english"
	}
	return &CartesiaSynthesizer{
		config:         cfg,
		httpClient:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		circuitBreaker: breaker,
		logger:         observability.Component(logger, "cartesia"),
	}
}

// Synthesize converts text to audio. Cancelling ctx aborts the request.
func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	jsonData, err := json.Marshal(CartesiaRequest{
		ModelID:    c.config.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.config.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var audioData []byte
	start := time.Now()
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.config.APIKey)
		req.Header.Set("Cartesia-Version", cartesiaVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
		}
		audioData, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("error reading Cartesia audio response: %w", err)
		}
		if len(audioData) == 0 {
			return errors.New("cartesia returned empty audio data")
		}
		return nil
	})
	observability.UpdateCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
		return nil, err
	}

	if len(audioData)%2 != 0 {
		audioData = audioData[:len(audioData)-1]
	}
	samples := audio.Resample(audio.BytesToSamples(audioData), cartesiaSampleRate, c.config.OutputRate)

	c.logger.Debug().
		Int("bytes", len(audioData)).
		Dur("latency", time.Since(start)).
		Msg("Sentence synthesized")
	return audio.SamplesToBytes(samples), nil
}
