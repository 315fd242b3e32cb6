package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voicev2/internal/auth"
	"github.com/lexiqai/voicev2/internal/config"
	"github.com/lexiqai/voicev2/internal/gateway"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
	"github.com/lexiqai/voicev2/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.RoleGateway)
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("deepgram_model", cfg.DeepgramModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway starting")

	breaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerReset())
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})

	// Stream opens are retried; a failed utterance is not.
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	recognizer := stt.NewDeepgramRecognizer(stt.DeepgramConfig{
		APIKey:     cfg.DeepgramAPIKey,
		Model:      cfg.DeepgramModel,
		Language:   cfg.DeepgramLanguage,
		SampleRate: cfg.SampleRate,
		Settle:     cfg.TranscriptSettle,
		Retry:      retry,
	}, breaker, logger)

	handler := gateway.NewHandler(auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer), recognizer, gateway.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		FinalTimeout:     cfg.TranscriptFinalTimeout,
		SampleRate:       cfg.SampleRate,
	}, observability.Component(logger, "gateway"))

	mux := http.NewServeMux()
	mux.Handle("/v2/session", handler)
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness reflects the recognizer breaker; no provider call is made.
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) {
			if breaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: session connections are long-lived.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		endpoint := cfg.VoiceGatewayURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+"/v2/session").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int64("active_sessions", handler.ActiveSessions()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
