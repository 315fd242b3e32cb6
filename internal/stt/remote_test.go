package stt

import (
	"context"
	"sync"
	"testing"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (s *recordingSender) Send(msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestRemoteRecognizer_SendsChunksAndClose(t *testing.T) {
	sender := &recordingSender{}
	rec := NewRemoteRecognizer(sender, audio.EncodingMulaw, 16000)

	stream, err := rec.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pcm := audio.SamplesToBytes([]int16{0, 1000, -1000, 0})
	if err := stream.Send(audio.AudioChunk{Seq: 7, UtteranceID: "u1", PCM: pcm}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := stream.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if len(sender.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(sender.msgs))
	}
	chunk := sender.msgs[0]
	if chunk.Type != transport.TypeAudioChunk || chunk.Seq != 7 || chunk.UtteranceID != "u1" {
		t.Errorf("Unexpected chunk message: %+v", chunk)
	}
	if chunk.Encoding != "mulaw" {
		t.Errorf("Expected mulaw encoding, got %s", chunk.Encoding)
	}
	if len(chunk.Data) != 4 {
		t.Errorf("Expected 4 mu-law bytes, got %d", len(chunk.Data))
	}
	if sender.msgs[1].Type != transport.TypeUtteranceClosed {
		t.Errorf("Expected utterance_closed, got %s", sender.msgs[1].Type)
	}
}

func TestRemoteRecognizer_DeliverRoutesByUtterance(t *testing.T) {
	rec := NewRemoteRecognizer(&recordingSender{}, audio.EncodingLinear16, 16000)
	stream, _ := rec.Open(context.Background(), "u1")

	rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "other", Kind: "partial", Text: "ignored"})
	rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "u1", Kind: "partial", Text: "hello"})
	rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "u1", Kind: "final", Text: "hello there"})

	var got []Result
	for r := range stream.Results() {
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].Text != "hello" || got[0].Final {
		t.Errorf("Unexpected first result: %+v", got[0])
	}
	if got[1].Text != "hello there" || !got[1].Final {
		t.Errorf("Unexpected final result: %+v", got[1])
	}

	// The stream is gone once final; late messages are dropped.
	rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "u1", Kind: "partial", Text: "late"})
}

func TestRemoteRecognizer_CloseIsIdempotent(t *testing.T) {
	rec := NewRemoteRecognizer(&recordingSender{}, audio.EncodingLinear16, 16000)
	stream, _ := rec.Open(context.Background(), "u1")
	stream.Close()
	stream.Close()
	if _, ok := <-stream.Results(); ok {
		t.Error("Expected results to be closed")
	}
}

func TestRemoteRecognizer_FinalSurvivesFullBuffer(t *testing.T) {
	rec := NewRemoteRecognizer(&recordingSender{}, audio.EncodingLinear16, 16000)
	stream, _ := rec.Open(context.Background(), "u1")

	for i := 0; i < 80; i++ {
		rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "u1", Kind: "partial", Text: "partial"})
	}
	rec.Deliver(transport.Message{Type: transport.TypeTranscript, UtteranceID: "u1", Kind: "final", Text: "the whole thing"})

	var last Result
	count := 0
	for r := range stream.Results() {
		last = r
		count++
	}
	if !last.Final || last.Text != "the whole thing" {
		t.Errorf("Expected the final result last, got %+v", last)
	}
	if count != 64 {
		t.Errorf("Expected a full buffer of 64 results, got %d", count)
	}
}
