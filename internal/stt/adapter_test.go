package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/failure"
)

type fakeStream struct {
	mu        sync.Mutex
	sent      []audio.AudioChunk
	finalized bool
	closed    bool
	err       error
	results   chan Result
}

func (s *fakeStream) Send(chunk audio.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func (s *fakeStream) Results() <-chan Result { return s.results }

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{streams: make(map[string]*fakeStream)}
}

func (r *fakeRecognizer) Open(_ context.Context, utteranceID string) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeStream{results: make(chan Result, 16)}
	r.streams[utteranceID] = s
	return s, nil
}

func (r *fakeRecognizer) stream(id string) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

func nextEvent(t *testing.T, a *Adapter) Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for adapter event")
	}
	return Event{}
}

func TestAdapter_SegmentsInOrder(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{FinalTimeout: time.Second}, zerolog.Nop())
	defer a.Shutdown()

	if err := a.Open(context.Background(), "u1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s := rec.stream("u1")

	s.results <- Result{Text: "what"}
	s.results <- Result{Text: "what"} // duplicate partial is suppressed
	s.results <- Result{Text: "what is", Stable: true}
	s.results <- Result{Text: "what is the weather", Stable: true, Final: true, Confidence: 0.9}

	want := []struct {
		text string
		kind Kind
	}{
		{"what", KindPartial},
		{"what is", KindStable},
		{"what is the weather", KindFinal},
	}
	for i, w := range want {
		ev := nextEvent(t, a)
		if ev.Err != nil {
			t.Fatalf("Event %d: unexpected error %v", i, ev.Err)
		}
		if ev.Segment.Text != w.text || ev.Segment.Kind != w.kind {
			t.Errorf("Event %d: expected %q/%s, got %q/%s", i, w.text, w.kind, ev.Segment.Text, ev.Segment.Kind)
		}
		if ev.Segment.UtteranceID != "u1" {
			t.Errorf("Expected utterance u1, got %s", ev.Segment.UtteranceID)
		}
	}
	if a.Current() != "" {
		t.Errorf("Expected no open utterance after final, got %s", a.Current())
	}
}

func TestAdapter_SubmitIgnoresOtherUtterances(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	a.Submit(audio.AudioChunk{UtteranceID: "u1", Seq: 1})
	a.Submit(audio.AudioChunk{UtteranceID: "u0", Seq: 2})

	if got := rec.stream("u1").sentCount(); got != 1 {
		t.Errorf("Expected 1 chunk forwarded, got %d", got)
	}
}

func TestAdapter_FinalTimeout(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{FinalTimeout: 50 * time.Millisecond}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	if err := a.Close("u1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !rec.stream("u1").finalized {
		t.Error("Expected final pass to be requested")
	}

	ev := nextEvent(t, a)
	if ev.Err == nil {
		t.Fatal("Expected transcription failure")
	}
	if code := failure.CodeOf(ev.Err); code != failure.CodeTranscriptionTimeout {
		t.Errorf("Expected code %s, got %s", failure.CodeTranscriptionTimeout, code)
	}
}

func TestAdapter_StreamErrorIsFailure(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{FinalTimeout: time.Second}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	s := rec.stream("u1")
	s.err = errors.New("socket reset")
	close(s.results)

	ev := nextEvent(t, a)
	fe, ok := failure.As(ev.Err)
	if !ok {
		t.Fatalf("Expected failure error, got %v", ev.Err)
	}
	if fe.Category != failure.CategoryTranscription {
		t.Errorf("Expected category %s, got %s", failure.CategoryTranscription, fe.Category)
	}
}

func TestAdapter_AbandonSuppressesEvents(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{FinalTimeout: 30 * time.Millisecond}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	a.Close("u1")
	a.Abandon()

	if !rec.stream("u1").closed {
		t.Error("Expected abandoned stream to be closed")
	}

	select {
	case ev := <-a.Events():
		t.Errorf("Expected no events after abandon, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapter_OpenAbandonsPrevious(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	a.Open(context.Background(), "u2")

	if !rec.stream("u1").closed {
		t.Error("Expected previous stream to be closed")
	}
	if a.Current() != "u2" {
		t.Errorf("Expected current utterance u2, got %s", a.Current())
	}
}

func TestAdapter_FailedUtteranceIsRetired(t *testing.T) {
	rec := newFakeRecognizer()
	a := NewAdapter(rec, AdapterConfig{FinalTimeout: time.Second}, zerolog.Nop())
	defer a.Shutdown()

	a.Open(context.Background(), "u1")
	if a.Retired("u1") {
		t.Error("Expected open utterance not to be retired")
	}
	close(rec.stream("u1").results)
	if ev := nextEvent(t, a); ev.Err == nil {
		t.Fatalf("Expected a failure event, got %+v", ev)
	}
	if !a.Retired("u1") {
		t.Error("Expected failed utterance to be retired")
	}
	if a.Current() != "" {
		t.Errorf("Expected no current utterance, got %s", a.Current())
	}

	a.Open(context.Background(), "u2")
	if a.Retired("u1") {
		t.Error("Expected retired set to reset when a new utterance opens")
	}
}
