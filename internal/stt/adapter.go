package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/failure"
)

// Event is one item of the adapter's outbound stream. Exactly one of
// Segment or Err is meaningful.
type Event struct {
	UtteranceID string
	Segment     TranscriptSegment
	Err         error
}

// AdapterConfig controls the adapter.
type AdapterConfig struct {
	// FinalTimeout bounds the wait for a final result after the utterance closes.
	FinalTimeout time.Duration
}

// Adapter feeds one open utterance at a time to a Recognizer and emits
// its segments in provider order.
type Adapter struct {
	recognizer Recognizer
	config     AdapterConfig
	logger     zerolog.Logger
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	current *utterance
	// retired holds utterances that finished or failed since the last
	// successful Open.
	retired map[string]bool
}

type utterance struct {
	id     string
	stream Stream
	cancel context.CancelFunc
	closed bool
}

// NewAdapter creates an adapter over recognizer.
func NewAdapter(recognizer Recognizer, config AdapterConfig, logger zerolog.Logger) *Adapter {
	if config.FinalTimeout <= 0 {
		config.FinalTimeout = 3 * time.Second
	}
	return &Adapter{
		recognizer: recognizer,
		config:     config,
		logger:     logger,
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
		retired:    make(map[string]bool),
	}
}

// Events is the ordered outbound stream of segments and failures.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Open starts a provider stream for a new utterance. Any utterance still
// open is abandoned first.
func (a *Adapter) Open(ctx context.Context, utteranceID string) error {
	a.Abandon()

	uctx, cancel := context.WithCancel(ctx)
	stream, err := a.recognizer.Open(uctx, utteranceID)
	if err != nil {
		cancel()
		a.mu.Lock()
		a.retired[utteranceID] = true
		a.mu.Unlock()
		return failure.New(failure.CategoryTranscription, failure.CodeTranscriptionFailed, "failed to open recognizer stream", err)
	}

	u := &utterance{id: utteranceID, stream: stream, cancel: cancel}
	a.mu.Lock()
	clear(a.retired)
	a.current = u
	a.mu.Unlock()

	go a.pump(uctx, u)
	return nil
}

// Submit forwards a chunk of the open utterance; chunks for any other
// utterance are ignored.
func (a *Adapter) Submit(chunk audio.AudioChunk) error {
	a.mu.Lock()
	u := a.current
	a.mu.Unlock()
	if u == nil || u.id != chunk.UtteranceID || u.closed {
		return nil
	}
	return u.stream.Send(chunk)
}

// Close marks the utterance closed and requests its final transcript. A
// TranscriptionFailure event follows if none arrives within FinalTimeout.
func (a *Adapter) Close(utteranceID string) error {
	a.mu.Lock()
	u := a.current
	if u == nil || u.id != utteranceID || u.closed {
		a.mu.Unlock()
		return nil
	}
	u.closed = true
	a.mu.Unlock()

	if err := u.stream.Finalize(); err != nil {
		a.fail(u, failure.New(failure.CategoryTranscription, failure.CodeTranscriptionFailed, "final request failed", err))
		return err
	}

	time.AfterFunc(a.config.FinalTimeout, func() {
		a.fail(u, failure.New(failure.CategoryTranscription, failure.CodeTranscriptionTimeout,
			fmt.Sprintf("no final transcript within %v", a.config.FinalTimeout), nil))
	})
	return nil
}

// Abandon drops the open utterance without a final pass; nothing more is
// emitted for it.
func (a *Adapter) Abandon() {
	a.mu.Lock()
	u := a.current
	a.current = nil
	a.mu.Unlock()
	if u != nil {
		u.cancel()
		u.stream.Close()
	}
}

// Current returns the id of the open utterance, if any.
func (a *Adapter) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.id
}

// Retired reports whether utteranceID already produced its final
// transcript or failed. Late audio for it must not start a new stream.
func (a *Adapter) Retired(utteranceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retired[utteranceID]
}

// Shutdown abandons the open utterance and stops emitting.
func (a *Adapter) Shutdown() {
	a.Abandon()
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Adapter) pump(ctx context.Context, u *utterance) {
	last := ""
	results := u.stream.Results()
	for {
		var result Result
		var ok bool
		select {
		case <-ctx.Done():
			return
		case result, ok = <-results:
		}
		if !ok {
			break
		}

		kind := KindPartial
		switch {
		case result.Final:
			kind = KindFinal
		case result.Stable:
			kind = KindStable
		}
		if kind != KindFinal && result.Text == last {
			continue
		}
		last = result.Text

		if !a.emitFor(u, result.Final, Event{
			UtteranceID: u.id,
			Segment: TranscriptSegment{
				UtteranceID: u.id,
				Text:        result.Text,
				Kind:        kind,
				Confidence:  result.Confidence,
			},
		}) {
			return
		}
		if result.Final {
			a.release(u)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := u.stream.Err()
	if err == nil {
		err = errors.New("recognizer stream ended without a final transcript")
	}
	a.fail(u, failure.New(failure.CategoryTranscription, failure.CodeTranscriptionFailed, "recognizer stream failed", err))
}

// fail emits a failure for u if it is still the current utterance.
func (a *Adapter) fail(u *utterance, err error) {
	if a.emitFor(u, true, Event{UtteranceID: u.id, Err: err}) {
		a.release(u)
	}
}

// emitFor sends ev only while u is current, so nothing leaks from an
// abandoned or finished utterance. A terminal event retires u.
func (a *Adapter) emitFor(u *utterance, terminal bool, ev Event) bool {
	a.mu.Lock()
	if a.current != u {
		a.mu.Unlock()
		return false
	}
	if terminal {
		a.current = nil
		a.retired[u.id] = true
	}
	a.mu.Unlock()

	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func (a *Adapter) release(u *utterance) {
	u.cancel()
	u.stream.Close()
}
