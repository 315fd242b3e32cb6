package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Role selects which binary the configuration is validated for.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleEngine  Role = "engine"
)

// Config holds all configuration for the voice gateway and the voice engine.
type Config struct {
	// Server configuration (gateway)
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service. Used for logging the WebSocket endpoint.
	VoiceGatewayURL string `envconfig:"VOICE_GATEWAY_URL" default:""`

	// Session transport (engine side)
	GatewayURL           string        `envconfig:"GATEWAY_URL" default:"ws://localhost:8080/v2/session"`
	AuthToken            string        `envconfig:"AUTH_TOKEN" default:""`
	HandshakeTimeout     time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"5s"`
	PingInterval         time.Duration `envconfig:"PING_INTERVAL" default:"5s"`
	PongTimeout          time.Duration `envconfig:"PONG_TIMEOUT" default:"4s"`
	SendQueue            int           `envconfig:"SEND_QUEUE" default:"64"` // outbound messages held while the socket is slow
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     time.Duration `envconfig:"RECONNECT_BACKOFF" default:"500ms"`
	ReconnectMaxBackoff  time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"8s"`
	WireEncoding         string        `envconfig:"WIRE_ENCODING" default:"linear16"` // linear16, mulaw

	// Auth collaborator (gateway side)
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Transcription adapter
	Recognizer             string        `envconfig:"RECOGNIZER" default:"remote"` // remote, deepgram
	TranscriptFinalTimeout time.Duration `envconfig:"TRANSCRIPT_FINAL_TIMEOUT" default:"3s"`
	TranscriptSettle       time.Duration `envconfig:"TRANSCRIPT_SETTLE" default:"250ms"`

	// Reply generation
	ReplyProvider string `envconfig:"REPLY_PROVIDER" default:"openai"` // openai, grpc, gemini
	ReplyGRPCAddr string `envconfig:"REPLY_GRPC_ADDR" default:"localhost:50051"`
	ReplyGRPCTLS  bool   `envconfig:"REPLY_GRPC_TLS" default:"false"`
	ReplyBaseURL  string `envconfig:"REPLY_BASE_URL" default:"http://localhost:1234/v1"`
	ReplyAPIKey   string `envconfig:"REPLY_API_KEY" default:""`
	ReplyModel    string `envconfig:"REPLY_MODEL" default:"local-model"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	SystemPrompt  string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful voice assistant. Answer briefly in plain spoken sentences."`
	HistoryTurns  int    `envconfig:"HISTORY_TURNS" default:"6"`
	ApologyText   string `envconfig:"APOLOGY_TEXT" default:"Sorry, I had trouble answering that. Could you say it again?"`

	// Speculative response coordinator
	SpeculativeDebounce       time.Duration `envconfig:"SPECULATIVE_DEBOUNCE" default:"300ms"`
	SpeculativeMatchThreshold float64       `envconfig:"SPECULATIVE_MATCH_THRESHOLD" default:"0.9"`
	FirstTokenTimeout         time.Duration `envconfig:"FIRST_TOKEN_TIMEOUT" default:"4s"`
	GenerationTimeout         time.Duration `envconfig:"GENERATION_TIMEOUT" default:"8s"`

	// Cartesia TTS API configuration
	CartesiaAPIKey     string        `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID    string        `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID    string        `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	SynthesisTimeout   time.Duration `envconfig:"SYNTHESIS_TIMEOUT" default:"5s"`
	SynthesisParallel  int           `envconfig:"SYNTHESIS_PARALLEL" default:"2"`
	MaxSentenceChars   int           `envconfig:"MAX_SENTENCE_CHARS" default:"180"`
	PlaybackBuffer     time.Duration `envconfig:"PLAYBACK_BUFFER" default:"20ms"`
	PlaybackSampleRate int           `envconfig:"PLAYBACK_SAMPLE_RATE" default:"16000"`

	// Audio capture and VAD
	SampleRate       int           `envconfig:"SAMPLE_RATE" default:"16000"`
	ChunkDuration    time.Duration `envconfig:"CHUNK_DURATION" default:"20ms"`
	CaptureWindow    int           `envconfig:"CAPTURE_WINDOW" default:"16"` // outgoing chunk events held before dropping
	AudioBufferSize  int           `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`
	VADMinSpeech     time.Duration `envconfig:"VAD_MIN_SPEECH" default:"120ms"`
	VADMinSilence    time.Duration `envconfig:"VAD_MIN_SILENCE" default:"600ms"`
	VADBargeInSpeech time.Duration `envconfig:"VAD_BARGE_IN_SPEECH" default:"250ms"`
	InputFile        string        `envconfig:"INPUT_FILE" default:""`  // WAV/PCM file used instead of a microphone
	OutputFile       string        `envconfig:"OUTPUT_FILE" default:""` // raw PCM sink used instead of a speaker

	// Calibration
	CalibrationWindow      time.Duration `envconfig:"CALIBRATION_WINDOW" default:"1s"`
	CalibrationTimeout     time.Duration `envconfig:"CALIBRATION_TIMEOUT" default:"3s"`
	CalibrationMultiplier  float64       `envconfig:"CALIBRATION_MULTIPLIER" default:"1.5"`
	DefaultSpeechThreshold float64       `envconfig:"DEFAULT_SPEECH_THRESHOLD" default:"500.0"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Analytics collaborator
	AnalyticsWebhookURL string `envconfig:"ANALYTICS_WEBHOOK_URL" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:""` // engine metrics listener, empty disables
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load(role Role) (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv(role)
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv(role Role) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings required by the given role.
func (c *Config) Validate(role Role) error {
	switch role {
	case RoleGateway:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
	case RoleEngine:
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required")
		}
		if c.AuthToken == "" {
			return fmt.Errorf("AUTH_TOKEN is required")
		}
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required")
		}
		switch c.ReplyProvider {
		case "openai", "grpc":
		case "gemini":
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("GEMINI_API_KEY is required for the gemini reply provider")
			}
		default:
			return fmt.Errorf("unknown REPLY_PROVIDER %q", c.ReplyProvider)
		}
		switch c.Recognizer {
		case "remote":
		case "deepgram":
			if c.DeepgramAPIKey == "" {
				return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram recognizer")
			}
		default:
			return fmt.Errorf("unknown RECOGNIZER %q", c.Recognizer)
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	switch c.WireEncoding {
	case "linear16", "mulaw":
	default:
		return fmt.Errorf("unknown WIRE_ENCODING %q", c.WireEncoding)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("CHUNK_DURATION must be positive")
	}
	return nil
}

// CircuitBreakerReset returns the breaker reset timeout as a duration.
func (c *Config) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
