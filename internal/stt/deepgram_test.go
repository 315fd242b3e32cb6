package stt

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDeepgramStream_AccumulatesResults(t *testing.T) {
	s := newDeepgramStream("u1", 10*time.Millisecond, zerolog.Nop())

	s.handleResult("what", 0.5, false)
	s.handleResult("what is", 0.8, true)
	s.handleResult("the", 0.6, false)
	s.handleResult("the weather", 0.9, true)

	want := []Result{
		{Text: "what", Confidence: 0.5},
		{Text: "what is", Confidence: 0.8, Stable: true},
		{Text: "what is the", Confidence: 0.6},
		{Text: "what is the weather", Confidence: 0.9, Stable: true},
	}
	for i, w := range want {
		got := <-s.Results()
		if got != w {
			t.Errorf("Result %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestDeepgramStream_FinalizeSettles(t *testing.T) {
	s := newDeepgramStream("u1", 10*time.Millisecond, zerolog.Nop())
	s.handleResult("hello", 0.9, true)
	<-s.Results()

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	select {
	case r := <-s.Results():
		if !r.Final || r.Text != "hello" {
			t.Errorf("Expected final 'hello', got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for final result")
	}
	if _, ok := <-s.Results(); ok {
		t.Error("Expected results to close after final")
	}
}

func TestDeepgramStream_FailClosesWithError(t *testing.T) {
	s := newDeepgramStream("u1", 10*time.Millisecond, zerolog.Nop())
	s.fail(errTest)
	if _, ok := <-s.Results(); ok {
		t.Error("Expected results to be closed")
	}
	if s.Err() != errTest {
		t.Errorf("Expected %v, got %v", errTest, s.Err())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected nil error from Close, got %v", err)
	}
}

var errTest = errors.New("stream reset")
