package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voicev2/internal/analytics"
	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/reply"
	"github.com/lexiqai/voicev2/internal/speculative"
	"github.com/lexiqai/voicev2/internal/stt"
	"github.com/lexiqai/voicev2/internal/synthesis"
	"github.com/lexiqai/voicev2/internal/transport"
)

// Transport is the session connection as the orchestrator uses it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg transport.Message) error
	OnMessage(handler func(transport.Message))
	OnStateChange(handler func(transport.ConnectionState))
	Close() error
}

// deliverer is implemented by recognizers that receive transcripts over
// the session transport.
type deliverer interface {
	Deliver(msg transport.Message)
}

// Config holds per-call settings.
type Config struct {
	AuthToken    string
	WireEncoding audio.Encoding
	PlaybackRate int
	HistoryTurns int
	ApologyText  string

	Transcription stt.AdapterConfig
	Speculative   speculative.Config
	Queue         synthesis.QueueConfig
}

// Deps are the collaborators of one call. Each call gets its own instances.
type Deps struct {
	Transport   Transport
	Capture     *audio.Capture
	Calibrator  *audio.Calibrator
	Recognizer  stt.Recognizer
	Generator   reply.Generator
	Synthesizer synthesis.Synthesizer
	Player      synthesis.Player
	Analytics   analytics.Sink
}

type commandKind int

const (
	cmdInterrupt commandKind = iota
	cmdHangup
)

type inboxItem struct {
	msg   *transport.Message
	state *transport.ConnectionState
}

// turn tracks the exchange in progress.
type turn struct {
	utteranceID string
	userText    string
	attemptID   string
	spoken      []string
	finalSeen   bool
	failed      bool
}

// Orchestrator sequences capture, transcription, speculation and playback
// for one CallSession.
type Orchestrator struct {
	config  Config
	deps    Deps
	hooks   Hooks
	logger  zerolog.Logger
	metrics *observability.Metrics

	session     *CallSession
	adapter     *stt.Adapter
	coordinator *speculative.Coordinator
	queue       *synthesis.Queue
	history     *reply.History
	turn        turn

	commands chan commandKind
	inbox    chan inboxItem
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	snapshot Snapshot
}

// New creates the orchestrator and the per-call components it owns.
func New(config Config, deps Deps, hooks Hooks, logger zerolog.Logger) *Orchestrator {
	if config.ApologyText == "" {
		config.ApologyText = "Sorry, I ran into a problem answering that. Could you say it again?"
	}

	session := &CallSession{
		ID:        uuid.New().String(),
		State:     StateIdle,
		AuthToken: config.AuthToken,
	}
	logger = logger.With().Str("session_id", session.ID).Logger()
	metrics := observability.NewSessionMetrics(session.ID, "engine")

	o := &Orchestrator{
		config:      config,
		deps:        deps,
		hooks:       hooks,
		logger:      logger,
		metrics:     metrics,
		session:     session,
		adapter:     stt.NewAdapter(deps.Recognizer, config.Transcription, observability.Component(logger, "transcription")),
		coordinator: speculative.NewCoordinator(deps.Generator, config.Speculative, logger, metrics),
		queue:       synthesis.NewQueue(deps.Synthesizer, deps.Player, config.Queue, logger, metrics),
		history:     reply.NewHistory(config.HistoryTurns),
		commands:    make(chan commandKind, 8),
		inbox:       make(chan inboxItem, 256),
		done:        make(chan struct{}),
	}
	o.snapshot = session.snapshot()
	deps.Capture.OnDrop(metrics.RecordDroppedChunk)
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string {
	return o.session.ID
}

// Snapshot returns a copy of the session as of the last transition.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// Interrupt requests a barge-in. It is a no-op unless a reply is playing,
// and repeating it has no further effect.
func (o *Orchestrator) Interrupt() {
	o.command(cmdInterrupt)
}

// Hangup ends the call normally.
func (o *Orchestrator) Hangup() {
	o.command(cmdHangup)
}

func (o *Orchestrator) command(cmd commandKind) {
	select {
	case o.commands <- cmd:
	case <-o.done:
	}
}

// Run drives the call until it ends. It returns nil for a normal end and
// the fatal failure otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.session.StartedAt = time.Now()
	o.metrics.RecordSessionStart()
	o.logger.Info().Msg("Call starting")

	o.deps.Transport.OnMessage(func(msg transport.Message) {
		o.post(inboxItem{msg: &msg})
	})
	o.deps.Transport.OnStateChange(func(state transport.ConnectionState) {
		o.post(inboxItem{state: &state})
	})

	if err := o.start(ctx); err != nil {
		return o.end(err)
	}
	return o.loop(ctx)
}

// start calibrates and performs the handshake concurrently. Capture output
// is not used until both have finished.
func (o *Orchestrator) start(ctx context.Context) error {
	o.setState(StateCalibrating)

	if err := o.deps.Capture.Start(); err != nil {
		return failure.New(failure.CategoryDevice, failure.CodeDeviceUnavailable, "microphone unavailable", err)
	}

	var profile audio.CalibrationProfile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		profile = o.deps.Calibrator.Calibrate(gctx, o.deps.Capture.CalibrationFrames())
		return nil
	})
	g.Go(func() error {
		// The connection outlives the group, so it gets the call context.
		return o.deps.Transport.Connect(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	o.logger.Info().
		Float64("noise_floor", profile.NoiseFloor).
		Float64("speech_threshold", profile.SpeechThreshold).
		Bool("fallback", profile.Fallback).
		Msg("Calibration complete")

	o.deps.Capture.Activate(profile.SpeechThreshold)
	o.setState(StateListening)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		var err error
		var stop bool

		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Call context done")
			stop = true
		case cmd := <-o.commands:
			switch cmd {
			case cmdInterrupt:
				o.bargeIn("manual")
			case cmdHangup:
				stop = true
			}
		case ev := <-o.deps.Capture.Events():
			err = o.onCapture(ctx, ev)
		case ev := <-o.adapter.Events():
			o.onTranscript(ev)
		case ev := <-o.coordinator.Events():
			o.onSpeculative(ev)
		case ev := <-o.queue.Events():
			err = o.onPlayback(ev)
		case item := <-o.inbox:
			err = o.onTransport(item)
		}

		if err != nil || stop {
			return o.end(err)
		}
	}
}

func (o *Orchestrator) post(item inboxItem) {
	select {
	case o.inbox <- item:
	case <-o.done:
	}
}

// setState applies a legal transition. Illegal ones are logged and refused.
func (o *Orchestrator) setState(to State) bool {
	from := o.session.State
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		o.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("Illegal state transition refused")
		return false
	}

	o.session.State = to
	o.metrics.RecordTransition(string(from), string(to))
	o.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State transition")

	o.mu.Lock()
	o.snapshot = o.session.snapshot()
	o.mu.Unlock()

	if o.hooks.OnState != nil {
		o.hooks.OnState(from, to)
	}
	return true
}

// notice reports a recoverable problem to the host without ending the call.
func (o *Orchestrator) notice(code, text string) {
	o.logger.Warn().Str("code", code).Msg(text)
	if o.hooks.OnNotice != nil {
		o.hooks.OnNotice(code, text)
	}
	_ = o.deps.Transport.Send(transport.Message{Type: transport.TypeNotice, Code: code, Text: text})
}

// end moves the call to Ended, releases every resource and emits the
// session summary. It returns cause.
func (o *Orchestrator) end(cause error) error {
	if o.session.State == StateEnded {
		return cause
	}

	reason := "normal"
	if cause != nil {
		reason = failure.CodeOf(cause)
		o.session.ErrorCode = reason
		if fe, ok := failure.As(cause); ok {
			o.metrics.RecordError(string(fe.Category), "session")
		}
		o.logger.Error().Err(cause).Str("code", reason).Msg("Call ended with error")
	}
	o.session.EndedAt = time.Now()
	o.setState(StateEnded)

	o.doneOnce.Do(func() { close(o.done) })
	o.coordinator.Close()
	o.queue.Close()
	o.adapter.Shutdown()
	if err := o.deps.Capture.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close capture device")
	}
	if err := o.deps.Transport.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close transport")
	}
	if o.deps.Player != nil {
		o.deps.Player.Close()
	}
	o.metrics.RecordSessionEnd(reason)

	if o.deps.Analytics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		summary := analytics.Summary{
			SessionID: o.session.ID,
			StartedAt: o.session.StartedAt,
			EndedAt:   o.session.EndedAt,
			Duration:  o.session.EndedAt.Sub(o.session.StartedAt),
			Turns:     o.session.Turns,
			BargeIns:  o.session.BargeIns,
			ErrorCode: o.session.ErrorCode,
		}
		if err := o.deps.Analytics.Emit(ctx, summary); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to deliver session summary")
		}
	}

	o.logger.Info().
		Str("reason", reason).
		Int("turns", o.session.Turns).
		Dur("duration", o.session.EndedAt.Sub(o.session.StartedAt)).
		Msg("Call ended")
	return cause
}

func (o *Orchestrator) onCapture(ctx context.Context, ev audio.CaptureEvent) error {
	switch ev.Kind {
	case audio.UtteranceOpened:
		if o.session.State != StateListening && o.session.State != StateTranscribing {
			return nil
		}
		if o.turn.utteranceID != "" {
			// A new utterance replaces one still waiting for its final.
			o.coordinator.Cancel()
		}
		o.turn = turn{utteranceID: ev.UtteranceID}
		if !o.setState(StateTranscribing) {
			return nil
		}
		if err := o.adapter.Open(ctx, ev.UtteranceID); err != nil {
			o.metrics.RecordError(string(failure.CategoryTranscription), "transcription")
			o.notice(failure.CodeOf(err), "Sorry, I couldn't start listening. Please try again.")
			o.abandonUtterance()
		}

	case audio.ChunkCaptured:
		if ev.Chunk.UtteranceID == "" || ev.Chunk.UtteranceID != o.turn.utteranceID {
			return nil
		}
		if err := o.adapter.Submit(ev.Chunk); err != nil {
			// Recency over completeness: a chunk that cannot go out now is gone.
			o.metrics.RecordDroppedChunk()
			return nil
		}
		o.metrics.RecordAudioBytes("in", int64(len(ev.Chunk.PCM)))

	case audio.UtteranceClosed:
		if ev.UtteranceID != o.turn.utteranceID {
			return nil
		}
		if err := o.adapter.Close(ev.UtteranceID); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to request final transcript")
		}

	case audio.BargeInDetected:
		o.bargeIn("speech")

	case audio.DeviceFailed:
		return failure.New(failure.CategoryDevice, failure.CodeDeviceUnavailable, "microphone failed", ev.Err)
	}
	return nil
}

func (o *Orchestrator) onTranscript(ev stt.Event) {
	if ev.UtteranceID != o.turn.utteranceID || o.session.State != StateTranscribing {
		return
	}

	if ev.Err != nil {
		o.transcriptionFailed(failure.CodeOf(ev.Err))
		return
	}

	seg := ev.Segment
	o.session.Transcripts++
	o.metrics.RecordTranscript(string(seg.Kind))

	if seg.Kind != stt.KindFinal {
		o.coordinator.OnSegment(seg)
		return
	}

	o.turn.finalSeen = true
	if strings.TrimSpace(seg.Text) == "" {
		o.notice(failure.CodeEmptyTranscript, "I didn't hear anything. Go ahead whenever you're ready.")
		o.abandonUtterance()
		return
	}
	o.turn.userText = seg.Text
	o.logger.Info().Str("utterance_id", seg.UtteranceID).Str("text", seg.Text).Msg("Final transcript")
	o.coordinator.OnSegment(seg)
}

// transcriptionFailed gives up on the open utterance. The user is asked to
// repeat and nothing is generated for it.
func (o *Orchestrator) transcriptionFailed(code string) {
	o.metrics.RecordError(string(failure.CategoryTranscription), "transcription")
	o.notice(code, "Sorry, I didn't catch that. Could you repeat it?")
	o.abandonUtterance()
}

func (o *Orchestrator) onSpeculative(ev speculative.Event) {
	if ev.Attempt.UtteranceID != o.turn.utteranceID {
		return
	}

	switch ev.Kind {
	case speculative.EventAttemptStarted:
		o.session.Attempts++

	case speculative.EventAttemptCommitted:
		if o.session.State != StateTranscribing || !o.turn.finalSeen {
			return
		}
		o.turn.attemptID = ev.Attempt.ID
		o.startResponding()
		o.queue.Begin(ev.Attempt.ID)

	case speculative.EventToken:
		if ev.Attempt.ID == o.turn.attemptID {
			o.queue.AddText(ev.Attempt.ID, ev.Text)
		}

	case speculative.EventReplyCompleted:
		if ev.Attempt.ID == o.turn.attemptID {
			o.queue.Finish(ev.Attempt.ID)
		}

	case speculative.EventReplyFailed:
		if o.turn.failed || (o.turn.attemptID != "" && ev.Attempt.ID != o.turn.attemptID) {
			return
		}
		o.turn.failed = true
		o.metrics.RecordError(string(failure.CategoryGeneration), "speculative")
		o.notice(failure.CodeOf(ev.Err), "Reply generation failed")

		if o.session.State == StateTranscribing {
			o.startResponding()
		}
		if o.session.State != StateResponding {
			return
		}
		o.turn.attemptID = ev.Attempt.ID
		o.queue.Apologize(ev.Attempt.ID, o.config.ApologyText)
	}
}

func (o *Orchestrator) startResponding() {
	if !o.setState(StateResponding) {
		return
	}
	o.session.Turns++
	o.deps.Capture.SetMode(audio.ModeBargeIn)

	o.mu.Lock()
	o.snapshot = o.session.snapshot()
	o.mu.Unlock()
}

func (o *Orchestrator) onPlayback(ev synthesis.Event) error {
	if ev.AttemptID != o.turn.attemptID || o.session.State != StateResponding {
		return nil
	}

	switch ev.Kind {
	case synthesis.EventSentencePlaying:
		o.turn.spoken = append(o.turn.spoken, ev.Sentence.Text)
		o.session.AudioOut += int64(len(ev.Sentence.Audio))
		o.metrics.RecordAudioBytes("out", int64(len(ev.Sentence.Audio)))
		o.reportSentence(ev.Sentence)

	case synthesis.EventSentenceFailed:
		o.metrics.RecordError(string(failure.CategorySynthesis), "playback")

	case synthesis.EventReplyPlayed:
		o.finishTurn()
		o.setState(StateListening)

	case synthesis.EventPlayerFailed:
		return ev.Err
	}
	return nil
}

// reportSentence tells the gateway which sentence is being spoken.
func (o *Orchestrator) reportSentence(s synthesis.Sentence) {
	data, err := audio.Encode(s.Audio, o.config.WireEncoding)
	if err != nil {
		data = nil
	}
	_ = o.deps.Transport.Send(transport.Message{
		Type:        transport.TypeReplySentence,
		UtteranceID: o.turn.utteranceID,
		AttemptID:   s.AttemptID,
		Index:       s.Index,
		Text:        s.Text,
		Encoding:    string(o.config.WireEncoding),
		SampleRate:  o.config.PlaybackRate,
		Data:        data,
	})
}

// bargeIn stops the reply and hands the turn back to the user. Outside
// Responding it does nothing, which makes repeats harmless.
func (o *Orchestrator) bargeIn(source string) {
	if o.session.State != StateResponding {
		return
	}
	attemptID := o.turn.attemptID

	o.queue.Interrupt()
	o.coordinator.Cancel()
	o.session.BargeIns++
	o.metrics.RecordBargeIn()
	_ = o.deps.Transport.Send(transport.Message{
		Type:        transport.TypeInterrupt,
		UtteranceID: o.turn.utteranceID,
		AttemptID:   attemptID,
	})
	o.logger.Info().Str("source", source).Str("attempt_id", attemptID).Msg("Barge-in")

	o.finishTurn()
	o.setState(StateListening)
}

// finishTurn records the exchange and resets per-turn state.
func (o *Orchestrator) finishTurn() {
	if o.turn.userText != "" {
		o.history.Add(o.turn.userText, strings.Join(o.turn.spoken, " "))
		o.coordinator.SetHistory(o.history.Turns())
	}
	o.turn = turn{}
	o.deps.Capture.SetMode(audio.ModeListening)
}

// abandonUtterance drops the open utterance and returns to Listening.
func (o *Orchestrator) abandonUtterance() {
	o.adapter.Abandon()
	o.coordinator.Cancel()
	o.deps.Capture.ResetUtterance()
	o.turn = turn{}
	o.setState(StateListening)
}

func (o *Orchestrator) onTransport(item inboxItem) error {
	if item.msg != nil {
		msg := *item.msg
		switch msg.Type {
		case transport.TypeTranscript:
			if d, ok := o.deps.Recognizer.(deliverer); ok {
				d.Deliver(msg)
			}
		case transport.TypeNotice:
			o.logger.Info().Str("code", msg.Code).Str("text", msg.Text).Msg("Gateway notice")
			// The gateway reports recognition failures for an utterance
			// this way; it will not transcribe that utterance any further.
			if msg.UtteranceID != "" && msg.UtteranceID == o.turn.utteranceID && o.session.State == StateTranscribing {
				code := msg.Code
				if code == "" {
					code = failure.CodeTranscriptionFailed
				}
				o.transcriptionFailed(code)
			}
		}
		return nil
	}

	state := *item.state
	switch state.Status {
	case transport.StatusReconnecting:
		o.metrics.RecordReconnect("attempt")
		o.logger.Warn().Int("attempt", state.ReconnectAttempt).Msg("Transport reconnecting")
		if o.session.State == StateTranscribing {
			// In-flight audio and transcripts are lost with the connection.
			o.notice(failure.CodeConnectionLost, "Connection lost; please repeat that.")
			o.abandonUtterance()
		}
	case transport.StatusConnected:
		if state.ReconnectAttempt > 0 {
			o.metrics.RecordReconnect("success")
			o.logger.Info().Str("gateway_session_id", state.SessionID).Msg("Transport reconnected")
		}
	case transport.StatusClosed:
		if state.Err == nil {
			return nil
		}
		if failure.IsFatal(state.Err) {
			if failure.CodeOf(state.Err) == failure.CodeReconnectExhausted {
				o.metrics.RecordReconnect("exhausted")
			}
			return state.Err
		}
		return fmt.Errorf("transport closed: %w", state.Err)
	}
	return nil
}
