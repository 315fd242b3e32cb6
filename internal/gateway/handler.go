// Package gateway is the server side of the session protocol: it
// authenticates the engine, runs recognition for each utterance the engine
// streams and sends transcripts back.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/auth"
	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/stt"
	"github.com/lexiqai/voicev2/internal/transport"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The engine is not a browser; the session token is the gate.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Config controls the gateway handler.
type Config struct {
	HandshakeTimeout time.Duration
	FinalTimeout     time.Duration
	// SampleRate is what the recognizer expects; audio at other rates is
	// resampled.
	SampleRate int
	ReadLimit  int64
}

// Handler serves /v2/session.
type Handler struct {
	validator  *auth.Validator
	recognizer stt.Recognizer
	config     Config
	logger     zerolog.Logger
	active     atomic.Int64
}

// NewHandler creates the session endpoint.
func NewHandler(validator *auth.Validator, recognizer stt.Recognizer, config Config, logger zerolog.Logger) *Handler {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.FinalTimeout <= 0 {
		config.FinalTimeout = 3 * time.Second
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	return &Handler{
		validator:  validator,
		recognizer: recognizer,
		config:     config,
		logger:     logger,
	}
}

// ActiveSessions returns the number of sessions currently served.
func (h *Handler) ActiveSessions() int64 {
	return h.active.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.config.ReadLimit)

	principal, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Session rejected")
		return
	}

	s := newServerSession(conn, principal, h)
	h.active.Add(1)
	defer h.active.Add(-1)

	ctx := auth.WithPrincipal(r.Context(), principal)
	s.run(ctx)
}

// handshake waits for session_start and answers it. Nothing but
// session_start is accepted before session_started has been sent.
func (h *Handler) handshake(conn *websocket.Conn) (*auth.Principal, error) {
	conn.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, failure.New(failure.CategoryTransport, failure.CodeHandshakeTimeout, "no session_start", err)
	}

	msg, err := transport.Decode(data)
	if err != nil || msg.Type != transport.TypeSessionStart {
		h.reject(conn, "expected session_start")
		return nil, failure.New(failure.CategoryAuth, failure.CodeHandshakeRejected, "unexpected first message", err)
	}

	principal, err := h.validator.Validate(msg.AuthToken)
	if err != nil {
		h.reject(conn, "invalid token")
		return nil, failure.New(failure.CategoryAuth, failure.CodeHandshakeRejected, "invalid token", err)
	}

	conn.SetReadDeadline(time.Time{})
	return principal, nil
}

// reject sends session_rejected and closes with CloseAuthRejected.
func (h *Handler) reject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	if data, err := transport.Encode(transport.Message{Type: transport.TypeSessionRejected, Reason: reason}); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(transport.CloseAuthRejected, reason), deadline)
}

// serverSession is one authenticated engine connection.
type serverSession struct {
	id         string
	conn       *websocket.Conn
	handler    *Handler
	adapter    *stt.Adapter
	logger     zerolog.Logger
	metrics    *observability.Metrics
	writeMu    sync.Mutex
	sampleRate int
}

func newServerSession(conn *websocket.Conn, principal *auth.Principal, h *Handler) *serverSession {
	id := uuid.New().String()
	logger := h.logger.With().
		Str("session_id", id).
		Str("subject", principal.Subject).
		Logger()
	return &serverSession{
		id:         id,
		conn:       conn,
		handler:    h,
		adapter:    stt.NewAdapter(h.recognizer, stt.AdapterConfig{FinalTimeout: h.config.FinalTimeout}, observability.Component(logger, "transcription")),
		logger:     logger,
		metrics:    observability.NewSessionMetrics(id, "gateway"),
		sampleRate: h.config.SampleRate,
	}
}

func (s *serverSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.send(transport.Message{Type: transport.TypeSessionStarted, SessionID: s.id}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to confirm session")
		return
	}
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Session started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardTranscripts(ctx)
	}()

	reason := s.readLoop(ctx)

	cancel()
	s.adapter.Shutdown()
	wg.Wait()
	s.metrics.RecordSessionEnd(reason)
	s.logger.Info().Str("reason", reason).Msg("Session ended")
}

// readLoop handles engine messages until the connection drops and returns
// the end reason.
func (s *serverSession) readLoop(ctx context.Context) string {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
				return "connection_lost"
			}
			return "normal"
		}

		msg, err := transport.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed message")
			continue
		}

		switch msg.Type {
		case transport.TypeAudioChunk:
			s.handleAudio(ctx, msg)

		case transport.TypeUtteranceClosed:
			if err := s.adapter.Close(msg.UtteranceID); err != nil {
				s.logger.Warn().Err(err).Str("utterance_id", msg.UtteranceID).Msg("Final request failed")
			}

		case transport.TypeReplySentence:
			s.metrics.RecordSentence("played")
			s.metrics.RecordAudioBytes("out", int64(len(msg.Data)))
			s.logger.Info().
				Str("attempt_id", msg.AttemptID).
				Int("index", msg.Index).
				Str("text", msg.Text).
				Msg("Reply sentence")

		case transport.TypeInterrupt:
			s.metrics.RecordBargeIn()
			s.logger.Info().
				Str("attempt_id", msg.AttemptID).
				Str("utterance_id", msg.UtteranceID).
				Msg("Reply interrupted")

		case transport.TypeNotice:
			s.logger.Info().Str("code", msg.Code).Str("text", msg.Text).Msg("Engine notice")

		case transport.TypePing:
			_ = s.send(transport.Message{Type: transport.TypePong})

		case transport.TypeSessionStart:
			s.logger.Warn().Msg("Ignoring repeated session_start")

		default:
			s.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
		}
	}
}

// handleAudio opens recognition for a new utterance on its first chunk and
// feeds the chunk in. Chunks for an utterance that already failed or
// finished are dropped so one failure yields one notice.
func (s *serverSession) handleAudio(ctx context.Context, msg transport.Message) {
	if msg.UtteranceID == "" {
		return
	}
	if s.adapter.Retired(msg.UtteranceID) {
		s.metrics.RecordDroppedChunk()
		return
	}
	if msg.UtteranceID != s.adapter.Current() {
		if err := s.adapter.Open(ctx, msg.UtteranceID); err != nil {
			s.metrics.RecordError(string(failure.CategoryTranscription), "gateway")
			s.logger.Error().Err(err).Str("utterance_id", msg.UtteranceID).Msg("Failed to open recognizer")
			_ = s.send(transport.Message{
				Type:        transport.TypeNotice,
				UtteranceID: msg.UtteranceID,
				Code:        failure.CodeOf(err),
				Text:        "transcription unavailable",
			})
			return
		}
	}

	pcm, err := audio.Decode(msg.Data, audio.Encoding(msg.Encoding))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping undecodable audio chunk")
		return
	}
	if msg.SampleRate > 0 && msg.SampleRate != s.sampleRate {
		pcm = audio.SamplesToBytes(audio.Resample(audio.BytesToSamples(pcm), msg.SampleRate, s.sampleRate))
	}
	s.metrics.RecordAudioBytes("in", int64(len(pcm)))

	if err := s.adapter.Submit(audio.AudioChunk{
		Seq:         msg.Seq,
		UtteranceID: msg.UtteranceID,
		PCM:         pcm,
		Timestamp:   time.Now(),
	}); err != nil {
		s.metrics.RecordDroppedChunk()
		s.logger.Debug().Err(err).Msg("Recognizer refused audio chunk")
	}
}

// forwardTranscripts relays adapter output to the engine.
func (s *serverSession) forwardTranscripts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.adapter.Events():
			if ev.Err != nil {
				s.metrics.RecordError(string(failure.CategoryTranscription), "gateway")
				_ = s.send(transport.Message{
					Type:        transport.TypeNotice,
					UtteranceID: ev.UtteranceID,
					Code:        failure.CodeOf(ev.Err),
					Text:        ev.Err.Error(),
				})
				continue
			}

			seg := ev.Segment
			s.metrics.RecordTranscript(string(seg.Kind))
			if err := s.send(transport.Message{
				Type:        transport.TypeTranscript,
				UtteranceID: seg.UtteranceID,
				Kind:        string(seg.Kind),
				Text:        seg.Text,
				Confidence:  seg.Confidence,
			}); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to send transcript")
			}
		}
	}
}

func (s *serverSession) send(msg transport.Message) error {
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
