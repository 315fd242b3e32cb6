package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only Message and Error.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// DeepgramConfig configures the Deepgram recognizer.
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	// Settle is how long to wait after the last stable result before the
	// final is declared, once Finalize has been called.
	Settle time.Duration
	// Retry bounds connection attempts per utterance.
	Retry *resilience.RetryConfig
}

// DeepgramRecognizer opens one Deepgram live stream per utterance.
type DeepgramRecognizer struct {
	config         DeepgramConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramRecognizer creates a recognizer guarded by breaker.
func NewDeepgramRecognizer(cfg DeepgramConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramRecognizer {
	if cfg.Settle <= 0 {
		cfg.Settle = 250 * time.Millisecond
	}
	return &DeepgramRecognizer{
		config:         cfg,
		circuitBreaker: breaker,
		logger:         observability.Component(logger, "deepgram"),
	}
}

// Open connects a new Deepgram live transcription stream.
func (r *DeepgramRecognizer) Open(ctx context.Context, utteranceID string) (Stream, error) {
	stream := newDeepgramStream(utteranceID, r.config.Settle, r.logger)

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.config.Model,
		Language:       r.config.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     r.config.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                stream.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			r.circuitBreaker.RecordResult(false)
			observability.IncrementCircuitBreakerFailures("deepgram")
			stream.fail(fmt.Errorf("deepgram error: %+v", errorResponse))
		},
	}

	connect := func(ctx context.Context) error {
		return r.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			client, err := listenClient.NewWSUsingCallback(ctx, r.config.APIKey, nil, tOptions, callback)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !client.Connect() {
				return errors.New("failed to connect to Deepgram")
			}
			stream.setClient(client)
			return nil
		})
	}
	err := resilience.Retry(ctx, connect, r.config.Retry, func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("utterance_id", utteranceID).
		Str("model", r.config.Model).
		Msg("Deepgram stream opened")
	return stream, nil
}

// deepgramStream accumulates Deepgram's incremental results into
// cumulative text: committed is everything marked is_final, interim the
// provider's current guess for the rest.
type deepgramStream struct {
	utteranceID string
	settle      time.Duration
	logger      zerolog.Logger
	client      *listenClient.WSCallback
	results     chan Result

	mu             sync.Mutex
	committed      []string
	interim        string
	confidence     float64
	finalRequested bool
	settleTimer    *time.Timer
	done           bool
	err            error
}

func newDeepgramStream(utteranceID string, settle time.Duration, logger zerolog.Logger) *deepgramStream {
	return &deepgramStream{
		utteranceID: utteranceID,
		settle:      settle,
		logger:      logger,
		results:     make(chan Result, 64),
	}
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "UtteranceEnd":
		s.mu.Lock()
		if s.finalRequested {
			s.finishLocked()
		}
		s.mu.Unlock()

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		s.handleResult(alt.Transcript, alt.Confidence, msg.IsFinal)
	}
}

// handleResult folds one provider result into the cumulative text.
func (s *deepgramStream) handleResult(transcript string, confidence float64, isFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	if isFinal {
		if transcript != "" {
			s.committed = append(s.committed, transcript)
		}
		s.interim = ""
	} else {
		s.interim = transcript
	}
	if confidence > 0 {
		s.confidence = confidence
	}

	if transcript != "" {
		s.pushLocked(Result{Text: s.textLocked(), Confidence: s.confidence, Stable: isFinal})
	}
	if isFinal && s.finalRequested {
		s.armSettleLocked(s.settle)
	}
}

func (s *deepgramStream) textLocked() string {
	parts := s.committed
	if s.interim != "" {
		parts = append(append([]string(nil), parts...), s.interim)
	}
	return strings.Join(parts, " ")
}

// pushLocked drops the oldest queued result when the channel is full so
// the newest, and the final in particular, always lands.
func (s *deepgramStream) pushLocked(r Result) {
	select {
	case s.results <- r:
	default:
		s.logger.Warn().Str("utterance_id", s.utteranceID).Msg("Transcript channel full, dropping oldest result")
		select {
		case <-s.results:
		default:
		}
		s.results <- r
	}
}

func (s *deepgramStream) armSettleLocked(d time.Duration) {
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finishLocked()
	})
}

// finishLocked emits the final result and closes the stream's results.
func (s *deepgramStream) finishLocked() {
	if s.done {
		return
	}
	s.done = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.pushLocked(Result{Text: s.textLocked(), Confidence: s.confidence, Stable: true, Final: true})
	close(s.results)
}

func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	close(s.results)
}

func (s *deepgramStream) setClient(client *listenClient.WSCallback) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *deepgramStream) Send(chunk audio.AudioChunk) error {
	s.mu.Lock()
	client := s.client
	if s.done {
		client = nil
	}
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	_, err := client.Write(chunk.PCM)
	return err
}

// Finalize waits for trailing results. The first settle window is longer
// to cover the provider's processing delay for the last chunks.
func (s *deepgramStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.finalRequested {
		return nil
	}
	s.finalRequested = true
	s.armSettleLocked(4 * s.settle)
	return nil
}

func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if !s.done {
		s.done = true
		if s.settleTimer != nil {
			s.settleTimer.Stop()
		}
		close(s.results)
	}
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		// WSCallback Finish() doesn't return an error
		client.Finish()
	}
	return nil
}
