// Package speculative starts reply generation on stable partial
// transcripts and arbitrates which attempt gets to speak.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/reply"
	"github.com/lexiqai/voicev2/internal/stt"
)

// AttemptStatus is the lifecycle of a speculative attempt.
type AttemptStatus string

const (
	StatusPending   AttemptStatus = "pending"
	StatusCommitted AttemptStatus = "committed"
	StatusCancelled AttemptStatus = "cancelled"
)

// Attempt is one reply-generation request for an utterance.
type Attempt struct {
	ID          string
	UtteranceID string
	SourceText  string
	Status      AttemptStatus
	StartedAt   time.Time
}

// EventKind identifies coordinator output.
type EventKind string

const (
	EventAttemptStarted   EventKind = "attempt_started"
	EventAttemptCancelled EventKind = "attempt_cancelled"
	EventAttemptCommitted EventKind = "attempt_committed"
	EventToken            EventKind = "token"
	EventReplyCompleted   EventKind = "reply_completed"
	EventReplyFailed      EventKind = "reply_failed"
)

// Event is one item of the coordinator's outbound stream. Token events are
// only ever emitted for the committed attempt.
type Event struct {
	Kind    EventKind
	Attempt Attempt
	Text    string
	Err     error
}

// Config controls debounce and timeouts.
type Config struct {
	Debounce          time.Duration
	MatchThreshold    float64
	FirstTokenTimeout time.Duration
	// GenerationTimeout is the longest a committed reply may go without a
	// new token. Speculation before the final does not count against it.
	GenerationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:          300 * time.Millisecond,
		MatchThreshold:    0.9,
		FirstTokenTimeout: 4 * time.Second,
		GenerationTimeout: 8 * time.Second,
	}
}

type inputKind int

const (
	inSegment inputKind = iota
	inHistory
	inDebounce
	inToken
	inDone
	inFirstTokenTimeout
	inStall
)

type input struct {
	kind      inputKind
	epoch     uint64
	segment   stt.TranscriptSegment
	history   []reply.Turn
	gen       int
	attemptID string
	text      string
	err       error
}

type attempt struct {
	Attempt
	cancel     context.CancelFunc
	firstTimer *time.Timer
	stallTimer *time.Timer
	buffered   []string
	tokens     int
	finished   bool
	failed     error
}

func (a *attempt) stopTimers() {
	if a.firstTimer != nil {
		a.firstTimer.Stop()
	}
	if a.stallTimer != nil {
		a.stallTimer.Stop()
	}
}

// Coordinator owns every attempt of the current utterance. All state lives
// on its run goroutine; callers talk to it through OnSegment, SetHistory
// and Cancel, and read Events.
type Coordinator struct {
	generator reply.Generator
	config    Config
	logger    zerolog.Logger
	metrics   *observability.Metrics

	in        chan input
	internal  chan input
	cancelled chan struct{}
	epoch     atomic.Uint64
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Run-goroutine state.
	seenEpoch   uint64
	utteranceID string
	latest      string
	finalSeen   bool
	debounce    *time.Timer
	debounceGen int
	attempts    map[string]*attempt
	selected    *attempt
	history     []reply.Turn
}

// NewCoordinator starts a coordinator. metrics may be nil.
func NewCoordinator(generator reply.Generator, config Config, logger zerolog.Logger, metrics *observability.Metrics) *Coordinator {
	c := &Coordinator{
		generator: generator,
		config:    config,
		logger:    observability.Component(logger, "speculative"),
		metrics:   metrics,
		in:        make(chan input, 64),
		internal:  make(chan input, 256),
		cancelled: make(chan struct{}, 1),
		events:    make(chan Event, 512),
		done:      make(chan struct{}),
		attempts:  make(map[string]*attempt),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Events is the outbound stream.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// OnSegment feeds a transcript segment.
func (c *Coordinator) OnSegment(seg stt.TranscriptSegment) {
	c.post(input{kind: inSegment, segment: seg, epoch: c.epoch.Load()})
}

// SetHistory replaces the conversation history sent with new attempts.
func (c *Coordinator) SetHistory(turns []reply.Turn) {
	c.post(input{kind: inHistory, history: turns})
}

// Cancel stops every attempt and forgets the current utterance. It never
// blocks; segments fed before it are discarded. Cancelling with nothing in
// flight is a no-op.
func (c *Coordinator) Cancel() {
	c.epoch.Add(1)
	select {
	case c.cancelled <- struct{}{}:
	default:
	}
}

// Close cancels everything and stops the coordinator.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Coordinator) post(in input) {
	select {
	case c.in <- in:
	case <-c.done:
	}
}

// report carries generator and timer results, kept apart from caller input
// so a token burst cannot stall OnSegment.
func (c *Coordinator) report(in input) {
	select {
	case c.internal <- in:
	case <-c.done:
	}
}

// syncEpoch applies any Cancel not yet seen by the run goroutine.
func (c *Coordinator) syncEpoch() {
	if e := c.epoch.Load(); e != c.seenEpoch {
		c.seenEpoch = e
		c.reset()
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.reset()
			return
		case <-c.cancelled:
			c.syncEpoch()
		case in := <-c.in:
			c.syncEpoch()
			if in.kind == inSegment && in.epoch != c.seenEpoch {
				continue
			}
			c.handle(in)
		case in := <-c.internal:
			c.syncEpoch()
			c.handle(in)
		}
	}
}

func (c *Coordinator) handle(in input) {
	switch in.kind {
	case inSegment:
		c.handleSegment(in.segment)
	case inHistory:
		c.history = in.history
	case inDebounce:
		if in.gen == c.debounceGen && !c.finalSeen {
			c.onStable()
		}
	case inToken:
		c.handleToken(in.attemptID, in.text)
	case inDone:
		c.handleDone(in.attemptID, in.err)
	case inFirstTokenTimeout:
		c.handleFirstTokenTimeout(in.attemptID)
	case inStall:
		c.handleStall(in.attemptID, in.gen)
	}
}

func (c *Coordinator) handleSegment(seg stt.TranscriptSegment) {
	if seg.UtteranceID != c.utteranceID {
		c.reset()
		c.utteranceID = seg.UtteranceID
	}
	if c.finalSeen {
		return
	}

	if seg.Kind == stt.KindFinal {
		c.handleFinal(seg.Text)
		return
	}

	if seg.Text == c.latest {
		return
	}
	c.latest = seg.Text

	// A superseding partial invalidates attempts against older text.
	for _, a := range c.attempts {
		if !sameText(a.SourceText, seg.Text) {
			c.cancelAttempt(a)
		}
	}
	c.armDebounce()
}

func (c *Coordinator) armDebounce() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceGen++
	gen := c.debounceGen
	c.debounce = time.AfterFunc(c.config.Debounce, func() {
		c.report(input{kind: inDebounce, gen: gen})
	})
}

// onStable fires when the latest partial stayed unchanged for the debounce
// window.
func (c *Coordinator) onStable() {
	if c.latest == "" {
		return
	}
	for _, a := range c.attempts {
		if sameText(a.SourceText, c.latest) {
			return
		}
	}
	c.startAttempt(c.latest)
}

func (c *Coordinator) handleFinal(text string) {
	c.finalSeen = true
	c.debounceGen++
	if c.debounce != nil {
		c.debounce.Stop()
	}

	var keep *attempt
	for _, a := range c.attempts {
		if keep == nil && a.failed == nil && Similarity(a.SourceText, text) >= c.config.MatchThreshold {
			keep = a
			continue
		}
		c.cancelAttempt(a)
	}

	if text == "" {
		return
	}
	if keep == nil {
		keep = c.startAttempt(text)
	} else {
		c.logger.Debug().
			Str("attempt_id", keep.ID).
			Str("source", keep.SourceText).
			Str("final", text).
			Msg("Keeping speculative attempt")
	}
	c.selected = keep

	if len(keep.buffered) > 0 {
		c.commit(keep)
		for _, t := range keep.buffered {
			c.emit(Event{Kind: EventToken, Attempt: keep.Attempt, Text: t})
		}
		keep.buffered = nil
	}
	if keep.finished {
		if keep.Status != StatusCommitted {
			c.fail(keep, failure.New(failure.CategoryGeneration, failure.CodeGenerationFailed, "reply generation returned no text", nil))
			return
		}
		c.complete(keep)
	}
}

func (c *Coordinator) startAttempt(text string) *attempt {
	a := &attempt{Attempt: Attempt{
		ID:          uuid.New().String(),
		UtteranceID: c.utteranceID,
		SourceText:  text,
		Status:      StatusPending,
		StartedAt:   time.Now(),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	c.attempts[a.ID] = a

	id := a.ID
	a.firstTimer = time.AfterFunc(c.config.FirstTokenTimeout, func() {
		c.report(input{kind: inFirstTokenTimeout, attemptID: id})
	})

	req := reply.Request{
		AttemptID:   a.ID,
		UtteranceID: a.UtteranceID,
		Text:        text,
		History:     c.history,
	}
	go c.generate(ctx, req)

	c.logger.Debug().Str("attempt_id", a.ID).Str("source", text).Msg("Attempt started")
	c.emit(Event{Kind: EventAttemptStarted, Attempt: a.Attempt})
	return a
}

// generate runs one attempt's request and reports back through the input
// channel.
func (c *Coordinator) generate(ctx context.Context, req reply.Request) {
	ctx, span := observability.Tracer().Start(ctx, "speculative attempt")
	span.SetAttributes(
		attribute.String("attempt.id", req.AttemptID),
		attribute.String("utterance.id", req.UtteranceID),
	)

	var err error
	defer func() {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		observability.EndSpan(span, err)
	}()

	chunks, err := c.generator.Generate(ctx, req)
	if err != nil {
		c.report(input{kind: inDone, attemptID: req.AttemptID, err: attemptErr(ctx, err)})
		return
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			err = chunk.Err
			c.report(input{kind: inDone, attemptID: req.AttemptID, err: attemptErr(ctx, err)})
			return
		}
		c.report(input{kind: inToken, attemptID: req.AttemptID, text: chunk.Text})
	}
	err = ctx.Err()
	c.report(input{kind: inDone, attemptID: req.AttemptID, err: attemptErr(ctx, nil)})
}

func attemptErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.CategoryGeneration, failure.CodeGenerationTimeout, "reply generation timed out", ctx.Err())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return failure.New(failure.CategoryGeneration, failure.CodeGenerationFailed, "reply generation failed", err)
	}
	return nil
}

func (c *Coordinator) handleToken(id, text string) {
	a, ok := c.attempts[id]
	if !ok || a.Status == StatusCancelled || text == "" {
		return
	}
	a.tokens++
	if a.firstTimer != nil {
		a.firstTimer.Stop()
	}

	if a != c.selected {
		a.buffered = append(a.buffered, text)
		return
	}
	if a.Status != StatusCommitted {
		c.commit(a)
	}
	c.armStall(a)
	c.emit(Event{Kind: EventToken, Attempt: a.Attempt, Text: text})
}

// armStall restarts the committed attempt's inactivity timer. A fire is
// stale once another token has arrived.
func (c *Coordinator) armStall(a *attempt) {
	if c.config.GenerationTimeout <= 0 {
		return
	}
	if a.stallTimer != nil {
		a.stallTimer.Stop()
	}
	id, seen := a.ID, a.tokens
	a.stallTimer = time.AfterFunc(c.config.GenerationTimeout, func() {
		c.report(input{kind: inStall, attemptID: id, gen: seen})
	})
}

func (c *Coordinator) handleStall(id string, seen int) {
	a, ok := c.attempts[id]
	if !ok || a.Status != StatusCommitted || a.finished || a.tokens != seen {
		return
	}
	c.fail(a, failure.New(failure.CategoryGeneration, failure.CodeGenerationTimeout,
		fmt.Sprintf("no reply token for %v", c.config.GenerationTimeout), nil))
}

// commit makes a the one attempt that speaks for this utterance.
func (c *Coordinator) commit(a *attempt) {
	a.Status = StatusCommitted
	for _, other := range c.attempts {
		if other != a {
			c.cancelAttempt(other)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordAttempt(string(StatusCommitted))
		c.metrics.ObserveFirstToken(time.Since(a.StartedAt))
	}
	c.logger.Info().
		Str("attempt_id", a.ID).
		Dur("first_token", time.Since(a.StartedAt)).
		Msg("Attempt committed")
	c.armStall(a)
	c.emit(Event{Kind: EventAttemptCommitted, Attempt: a.Attempt})
}

func (c *Coordinator) handleDone(id string, err error) {
	a, ok := c.attempts[id]
	if !ok || a.Status == StatusCancelled {
		return
	}
	if a.firstTimer != nil {
		a.firstTimer.Stop()
	}

	if err != nil {
		if a != c.selected {
			// Speculation failing before the final is silent; the final
			// starts a fresh attempt.
			a.failed = err
			c.cancelAttempt(a)
			return
		}
		c.fail(a, err)
		return
	}

	a.finished = true
	if a != c.selected {
		return
	}
	if a.Status != StatusCommitted {
		c.fail(a, failure.New(failure.CategoryGeneration, failure.CodeGenerationFailed, "reply generation returned no text", nil))
		return
	}
	c.complete(a)
}

func (c *Coordinator) handleFirstTokenTimeout(id string) {
	a, ok := c.attempts[id]
	if !ok || a.Status == StatusCancelled || a.tokens > 0 || a.finished {
		return
	}
	err := failure.New(failure.CategoryGeneration, failure.CodeGenerationTimeout,
		fmt.Sprintf("no reply token within %v", c.config.FirstTokenTimeout), nil)
	if a != c.selected {
		a.failed = err
		c.cancelAttempt(a)
		return
	}
	c.fail(a, err)
}

func (c *Coordinator) complete(a *attempt) {
	delete(c.attempts, a.ID)
	a.cancel()
	a.stopTimers()
	c.emit(Event{Kind: EventReplyCompleted, Attempt: a.Attempt})
}

// fail ends the selected attempt. No retry follows within the turn.
func (c *Coordinator) fail(a *attempt, err error) {
	c.cancelAttempt(a)
	c.logger.Warn().Err(err).Str("attempt_id", a.ID).Msg("Reply generation failed")
	c.emit(Event{Kind: EventReplyFailed, Attempt: a.Attempt, Err: err})
}

// cancelAttempt is idempotent.
func (c *Coordinator) cancelAttempt(a *attempt) {
	if _, ok := c.attempts[a.ID]; !ok {
		return
	}
	delete(c.attempts, a.ID)
	a.cancel()
	a.stopTimers()
	if a.Status == StatusCommitted {
		// A committed attempt ends by failure or interrupt, not by a sibling.
		return
	}
	a.Status = StatusCancelled
	if c.metrics != nil {
		c.metrics.RecordAttempt(string(StatusCancelled))
	}
	c.emit(Event{Kind: EventAttemptCancelled, Attempt: a.Attempt})
}

func (c *Coordinator) reset() {
	for _, a := range c.attempts {
		c.cancelAttempt(a)
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceGen++
	c.utteranceID = ""
	c.latest = ""
	c.finalSeen = false
	c.selected = nil
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
