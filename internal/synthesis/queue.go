package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/observability"
)

// SentenceState is the playback state of a sentence.
type SentenceState string

const (
	StateQueued    SentenceState = "queued"
	StatePlaying   SentenceState = "playing"
	StatePlayed    SentenceState = "played"
	StateDiscarded SentenceState = "discarded"
	StateFailed    SentenceState = "failed"
)

// Sentence is one unit of reply audio. Index starts at 1 per attempt.
type Sentence struct {
	AttemptID string
	Index     int
	Text      string
	State     SentenceState
	Audio     []byte
}

// EventKind identifies queue output.
type EventKind string

const (
	EventSentencePlaying   EventKind = "sentence_playing"
	EventSentencePlayed    EventKind = "sentence_played"
	EventSentenceFailed    EventKind = "sentence_failed"
	EventSentenceDiscarded EventKind = "sentence_discarded"
	EventReplyPlayed       EventKind = "reply_played"
	EventPlayerFailed      EventKind = "player_failed"
)

type Event struct {
	Kind      EventKind
	AttemptID string
	Sentence  Sentence
	Err       error
}

// QueueConfig controls synthesis concurrency and limits.
type QueueConfig struct {
	SynthesisTimeout time.Duration
	Parallel         int
	MaxSentenceChars int
}

var errDiscarded = errors.New("sentence discarded")

// Queue synthesizes sentences of one reply at a time and plays them in
// index order. Synthesis of later sentences overlaps playback of earlier
// ones.
type Queue struct {
	synth   Synthesizer
	player  Player
	config  QueueConfig
	logger  zerolog.Logger
	metrics *observability.Metrics

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	run *run
}

type run struct {
	attemptID string
	ctx       context.Context
	cancel    context.CancelFunc
	splitter  *Splitter
	sentences []*sentence
	next      int
	lastIndex int
	finished  bool
	wake      chan struct{}
	jobs      chan *sentence
}

type sentence struct {
	Sentence
	ready chan struct{}
	pcm   []byte
	err   error
}

// NewQueue creates a queue. metrics may be nil.
func NewQueue(synth Synthesizer, player Player, config QueueConfig, logger zerolog.Logger, metrics *observability.Metrics) *Queue {
	if config.Parallel <= 0 {
		config.Parallel = 2
	}
	if config.SynthesisTimeout <= 0 {
		config.SynthesisTimeout = 5 * time.Second
	}
	return &Queue{
		synth:   synth,
		player:  player,
		config:  config,
		logger:  observability.Component(logger, "playback"),
		metrics: metrics,
		events:  make(chan Event, 128),
		done:    make(chan struct{}),
	}
}

func (q *Queue) Events() <-chan Event {
	return q.events
}

// Begin starts a new reply for attemptID. A reply still in progress is
// interrupted first.
func (q *Queue) Begin(attemptID string) {
	q.mu.Lock()
	discarded := q.interruptLocked()
	q.beginLocked(attemptID)
	q.mu.Unlock()
	q.emitDiscarded(discarded)
}

func (q *Queue) beginLocked(attemptID string) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		attemptID: attemptID,
		ctx:       ctx,
		cancel:    cancel,
		splitter:  NewSplitter(q.config.MaxSentenceChars),
		wake:      make(chan struct{}, 1),
		jobs:      make(chan *sentence, 256),
	}
	q.run = r
	for i := 0; i < q.config.Parallel; i++ {
		go q.synthesize(r)
	}
	go q.playback(r)
	return r
}

// AddText feeds reply tokens for the current attempt.
func (q *Queue) AddText(attemptID, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.run
	if r == nil || r.attemptID != attemptID || r.finished {
		return
	}
	for _, s := range r.splitter.Push(text) {
		q.enqueueLocked(r, s)
	}
}

// Finish marks the reply text complete. EventReplyPlayed follows once the
// last sentence has played.
func (q *Queue) Finish(attemptID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.run
	if r == nil || r.attemptID != attemptID || r.finished {
		return
	}
	if rest := r.splitter.Flush(); rest != "" {
		q.enqueueLocked(r, rest)
	}
	r.finished = true
	notify(r.wake)
}

// Apologize ends attemptID's reply with a single apology sentence. Complete
// sentences already queued still play first; an unfinished fragment is
// dropped.
func (q *Queue) Apologize(attemptID, text string) {
	q.mu.Lock()
	r := q.run
	var discarded []Sentence
	if r == nil || r.attemptID != attemptID {
		discarded = q.interruptLocked()
		r = q.beginLocked(attemptID)
	} else if fragment := r.splitter.Flush(); fragment != "" {
		q.logger.Debug().Str("attempt_id", attemptID).Str("fragment", fragment).Msg("Dropping unfinished sentence")
	}
	q.enqueueLocked(r, text)
	r.finished = true
	notify(r.wake)
	q.mu.Unlock()
	q.emitDiscarded(discarded)
}

// Interrupt discards every sentence that has not started, stops the one
// playing within one playback buffer and cancels pending synthesis. It
// returns false, doing nothing, when no reply is in progress.
func (q *Queue) Interrupt() bool {
	q.mu.Lock()
	if q.run == nil {
		q.mu.Unlock()
		return false
	}
	discarded := q.interruptLocked()
	q.mu.Unlock()
	q.emitDiscarded(discarded)
	return true
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.Interrupt()
}

func (q *Queue) interruptLocked() []Sentence {
	r := q.run
	if r == nil {
		return nil
	}
	q.run = nil
	discarded := discardFrom(r, r.next)
	r.cancel()
	q.logger.Debug().
		Str("attempt_id", r.attemptID).
		Int("discarded", len(discarded)).
		Msg("Reply interrupted")
	return discarded
}

func discardFrom(r *run, from int) []Sentence {
	var out []Sentence
	for _, s := range r.sentences[from:] {
		if s.State == StateQueued {
			s.State = StateDiscarded
			out = append(out, s.Sentence)
		}
	}
	r.sentences = r.sentences[:from]
	return out
}

// emitDiscarded never blocks: Begin and Interrupt are called by the
// consumer of Events itself.
func (q *Queue) emitDiscarded(sentences []Sentence) {
	for _, s := range sentences {
		q.recordSentence(StateDiscarded)
		select {
		case q.events <- Event{Kind: EventSentenceDiscarded, AttemptID: s.AttemptID, Sentence: s}:
		default:
			q.logger.Debug().Int("index", s.Index).Msg("Discard event dropped")
		}
	}
}

func (q *Queue) enqueueLocked(r *run, text string) {
	r.lastIndex++
	s := &sentence{
		Sentence: Sentence{
			AttemptID: r.attemptID,
			Index:     r.lastIndex,
			Text:      text,
			State:     StateQueued,
		},
		ready: make(chan struct{}),
	}
	r.sentences = append(r.sentences, s)
	r.jobs <- s
	notify(r.wake)
}

func (q *Queue) synthesize(r *run) {
	for {
		var s *sentence
		select {
		case <-r.ctx.Done():
			return
		case s = <-r.jobs:
		}

		q.mu.Lock()
		discarded := s.State == StateDiscarded
		q.mu.Unlock()
		if discarded {
			s.err = errDiscarded
			close(s.ready)
			continue
		}

		ctx, cancel := context.WithTimeout(r.ctx, q.config.SynthesisTimeout)
		start := time.Now()
		pcm, err := q.synth.Synthesize(ctx, s.Text)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case r.ctx.Err() != nil:
			s.err = r.ctx.Err()
		case timedOut:
			s.err = failure.New(failure.CategorySynthesis, failure.CodeSynthesisTimeout,
				fmt.Sprintf("sentence %d not synthesized within %v", s.Index, q.config.SynthesisTimeout), err)
		case err != nil:
			s.err = failure.New(failure.CategorySynthesis, failure.CodeSynthesisFailed,
				fmt.Sprintf("sentence %d synthesis failed", s.Index), err)
		default:
			s.pcm = pcm
		}
		if q.metrics != nil && r.ctx.Err() == nil {
			q.metrics.ObserveSynthesis(time.Since(start), s.err == nil)
		}
		close(s.ready)
	}
}

func (q *Queue) playback(r *run) {
	defer r.cancel()
	for {
		q.mu.Lock()
		if r.ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		if r.next < len(r.sentences) {
			s := r.sentences[r.next]
			r.next++
			q.mu.Unlock()
			if !q.playSentence(r, s) {
				return
			}
			continue
		}
		if r.finished {
			if q.run == r {
				q.run = nil
			}
			q.mu.Unlock()
			q.emit(Event{Kind: EventReplyPlayed, AttemptID: r.attemptID})
			return
		}
		q.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// playSentence waits for s to be synthesized and plays it. It returns false
// when the run must stop.
func (q *Queue) playSentence(r *run, s *sentence) bool {
	select {
	case <-s.ready:
	case <-r.ctx.Done():
		return false
	}

	q.mu.Lock()
	if r.ctx.Err() != nil {
		q.mu.Unlock()
		return false
	}
	if s.err != nil {
		s.State = StateFailed
		snapshot := s.Sentence
		q.mu.Unlock()
		q.logger.Warn().Err(s.err).Str("attempt_id", r.attemptID).Int("index", s.Index).Msg("Skipping sentence")
		q.recordSentence(StateFailed)
		q.emit(Event{Kind: EventSentenceFailed, AttemptID: r.attemptID, Sentence: snapshot, Err: s.err})
		return true
	}
	s.State = StatePlaying
	s.Audio = s.pcm
	snapshot := s.Sentence
	q.mu.Unlock()

	q.emit(Event{Kind: EventSentencePlaying, AttemptID: r.attemptID, Sentence: snapshot})
	err := q.player.Play(r.ctx, s.Audio)
	if r.ctx.Err() != nil {
		return false
	}
	if err != nil {
		q.mu.Lock()
		if q.run == r {
			q.run = nil
		}
		q.mu.Unlock()
		q.emit(Event{
			Kind:      EventPlayerFailed,
			AttemptID: r.attemptID,
			Sentence:  snapshot,
			Err:       failure.New(failure.CategoryDevice, failure.CodeDeviceUnavailable, "speaker playback failed", err),
		})
		return false
	}

	q.mu.Lock()
	s.State = StatePlayed
	snapshot = s.Sentence
	q.mu.Unlock()
	q.recordSentence(StatePlayed)
	q.emit(Event{Kind: EventSentencePlayed, AttemptID: r.attemptID, Sentence: snapshot})
	return true
}

func (q *Queue) recordSentence(state SentenceState) {
	if q.metrics != nil {
		q.metrics.RecordSentence(string(state))
	}
}

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	case <-q.done:
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
