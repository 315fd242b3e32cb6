// Command voicecall runs one voice call: microphone in, speaker out, with
// transcripts from the gateway and replies from the configured provider.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/analytics"
	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/config"
	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/reply"
	"github.com/lexiqai/voicev2/internal/resilience"
	"github.com/lexiqai/voicev2/internal/session"
	"github.com/lexiqai/voicev2/internal/speculative"
	"github.com/lexiqai/voicev2/internal/stt"
	"github.com/lexiqai/voicev2/internal/synthesis"
	"github.com/lexiqai/voicev2/internal/transport"
)

func main() {
	cfg, err := config.Load(config.RoleEngine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Str("code", failure.CodeOf(err)).Msg("Call failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	encoding := audio.Encoding(cfg.WireEncoding)

	client := transport.NewClient(transport.Config{
		URL:              cfg.GatewayURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		SendQueue:        cfg.SendQueue,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff: resilience.Backoff{
				Initial:    cfg.ReconnectBackoff,
				Max:        cfg.ReconnectMaxBackoff,
				Multiplier: 2,
				Jitter:     true,
			},
		},
	}, transport.StaticToken(cfg.AuthToken), observability.Component(logger, "transport"))

	recognizer, err := newRecognizer(cfg, client, encoding, logger)
	if err != nil {
		return err
	}

	generator, closeGenerator, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGenerator()

	synthesizer := synthesis.NewCartesiaSynthesizer(synthesis.CartesiaConfig{
		APIKey:     cfg.CartesiaAPIKey,
		VoiceID:    cfg.CartesiaVoiceID,
		ModelID:    cfg.CartesiaModelID,
		OutputRate: cfg.PlaybackSampleRate,
	}, newBreaker(cfg, "cartesia", logger), logger)

	device, player, err := openDevices(cfg)
	if err != nil {
		return failure.New(failure.CategoryDevice, failure.CodeDeviceUnavailable, "audio device unavailable", err)
	}

	capture, err := newCapture(cfg, device, logger)
	if err != nil {
		return err
	}
	calibrator := audio.NewCalibrator(audio.CalibrationConfig{
		Window:           cfg.CalibrationWindow,
		Timeout:          cfg.CalibrationTimeout,
		Multiplier:       cfg.CalibrationMultiplier,
		DefaultThreshold: cfg.DefaultSpeechThreshold,
		FrameDuration:    cfg.ChunkDuration,
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	orch := session.New(session.Config{
		AuthToken:     cfg.AuthToken,
		WireEncoding:  encoding,
		PlaybackRate:  cfg.PlaybackSampleRate,
		HistoryTurns:  cfg.HistoryTurns,
		ApologyText:   cfg.ApologyText,
		Transcription: stt.AdapterConfig{FinalTimeout: cfg.TranscriptFinalTimeout},
		Speculative: speculative.Config{
			Debounce:          cfg.SpeculativeDebounce,
			MatchThreshold:    cfg.SpeculativeMatchThreshold,
			FirstTokenTimeout: cfg.FirstTokenTimeout,
			GenerationTimeout: cfg.GenerationTimeout,
		},
		Queue: synthesis.QueueConfig{
			SynthesisTimeout: cfg.SynthesisTimeout,
			Parallel:         cfg.SynthesisParallel,
			MaxSentenceChars: cfg.MaxSentenceChars,
		},
	}, session.Deps{
		Transport:   client,
		Capture:     capture,
		Calibrator:  calibrator,
		Recognizer:  recognizer,
		Generator:   generator,
		Synthesizer: synthesizer,
		Player:      player,
		Analytics:   newAnalytics(cfg, logger),
	}, session.Hooks{
		OnState: func(from, to session.State) {
			logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("Call state")
		},
		OnNotice: func(code, text string) {
			logger.Warn().Str("code", code).Msg(text)
		},
	}, logger)

	// First signal hangs up; the second aborts.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info().Msg("Hanging up...")
		orch.Hangup()
		<-sigs
		cancel()
	}()

	logger.Info().
		Str("session_id", orch.ID()).
		Str("gateway_url", cfg.GatewayURL).
		Str("recognizer", cfg.Recognizer).
		Str("reply_provider", cfg.ReplyProvider).
		Msg("Voice call starting")
	return orch.Run(ctx)
}

func newCapture(cfg *config.Config, device audio.Device, logger zerolog.Logger) (*audio.Capture, error) {
	return audio.NewCapture(device, audio.CaptureConfig{
		SampleRate:    cfg.SampleRate,
		ChunkDuration: cfg.ChunkDuration,
		Window:        cfg.CaptureWindow,
		BufferSize:    cfg.AudioBufferSize,
		VAD: audio.VADConfig{
			MinSpeech:        cfg.VADMinSpeech,
			MinSilence:       cfg.VADMinSilence,
			BargeInMinSpeech: cfg.VADBargeInSpeech,
		},
	}, observability.Component(logger, "capture"))
}

func newBreaker(cfg *config.Config, name string, logger zerolog.Logger) *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerReset())
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	return breaker
}

func retryConfig(cfg *config.Config) *resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return retry
}

func newRecognizer(cfg *config.Config, client *transport.Client, encoding audio.Encoding, logger zerolog.Logger) (stt.Recognizer, error) {
	switch cfg.Recognizer {
	case "remote":
		return stt.NewRemoteRecognizer(client, encoding, cfg.SampleRate), nil
	case "deepgram":
		return stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			SampleRate: cfg.SampleRate,
			Settle:     cfg.TranscriptSettle,
			Retry:      retryConfig(cfg),
		}, newBreaker(cfg, "deepgram", logger), logger), nil
	}
	return nil, fmt.Errorf("unknown recognizer %q", cfg.Recognizer)
}

func newGenerator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (reply.Generator, func(), error) {
	noop := func() {}
	breaker := newBreaker(cfg, "reply."+cfg.ReplyProvider, logger)

	switch cfg.ReplyProvider {
	case "openai":
		return reply.NewOpenAIGenerator(reply.OpenAIConfig{
			BaseURL:      cfg.ReplyBaseURL,
			APIKey:       cfg.ReplyAPIKey,
			Model:        cfg.ReplyModel,
			SystemPrompt: cfg.SystemPrompt,
		}, breaker, logger), noop, nil

	case "grpc":
		gen, err := reply.NewGRPCGenerator(reply.GRPCConfig{
			Addr:  cfg.ReplyGRPCAddr,
			TLS:   cfg.ReplyGRPCTLS,
			Retry: retryConfig(cfg),
		}, breaker, logger)
		if err != nil {
			return nil, noop, err
		}
		return gen, func() {
			if err := gen.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close reply client")
			}
		}, nil

	case "gemini":
		gen, err := reply.NewGeminiGenerator(ctx, reply.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.SystemPrompt,
		}, breaker, logger)
		if err != nil {
			return nil, noop, err
		}
		return gen, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown reply provider %q", cfg.ReplyProvider)
}

func newAnalytics(cfg *config.Config, logger zerolog.Logger) analytics.Sink {
	sinks := analytics.MultiSink{analytics.NewLogSink(observability.Component(logger, "analytics"))}
	if cfg.AnalyticsWebhookURL != "" {
		sinks = append(sinks, analytics.NewWebhookSink(cfg.AnalyticsWebhookURL, retryConfig(cfg)))
	}
	return sinks
}

// openOutput returns the raw PCM sink for OUTPUT_FILE, or io.Discard.
func openOutput(path string) (io.Writer, error) {
	if path == "" {
		return io.Discard, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	logger.Info().Str("addr", addr).Msg("Metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}
