package stt

import (
	"context"
	"sync"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/transport"
)

// Sender is the outbound half of the gateway connection.
type Sender interface {
	Send(msg transport.Message) error
}

// RemoteRecognizer streams utterance audio to the voice gateway and
// receives transcripts back over the same connection.
type RemoteRecognizer struct {
	sender     Sender
	encoding   audio.Encoding
	sampleRate int

	mu      sync.Mutex
	streams map[string]*remoteStream
}

// NewRemoteRecognizer creates a recognizer that sends chunks in encoding.
func NewRemoteRecognizer(sender Sender, encoding audio.Encoding, sampleRate int) *RemoteRecognizer {
	return &RemoteRecognizer{
		sender:     sender,
		encoding:   encoding,
		sampleRate: sampleRate,
		streams:    make(map[string]*remoteStream),
	}
}

func (r *RemoteRecognizer) Open(_ context.Context, utteranceID string) (Stream, error) {
	s := &remoteStream{
		recognizer:  r,
		utteranceID: utteranceID,
		results:     make(chan Result, 64),
	}
	r.mu.Lock()
	r.streams[utteranceID] = s
	r.mu.Unlock()
	return s, nil
}

// Deliver routes an inbound transcript message to its utterance's
// stream. Messages for unknown utterances are dropped.
func (r *RemoteRecognizer) Deliver(msg transport.Message) {
	if msg.Type != transport.TypeTranscript {
		return
	}
	r.mu.Lock()
	s := r.streams[msg.UtteranceID]
	r.mu.Unlock()
	if s == nil {
		return
	}

	kind := Kind(msg.Kind)
	s.push(Result{
		Text:       msg.Text,
		Confidence: msg.Confidence,
		Stable:     kind == KindStable || kind == KindFinal,
		Final:      kind == KindFinal,
	})
}

func (r *RemoteRecognizer) remove(utteranceID string) {
	r.mu.Lock()
	delete(r.streams, utteranceID)
	r.mu.Unlock()
}

type remoteStream struct {
	recognizer  *RemoteRecognizer
	utteranceID string
	results     chan Result

	mu     sync.Mutex
	closed bool
}

func (s *remoteStream) Send(chunk audio.AudioChunk) error {
	r := s.recognizer
	data, err := audio.Encode(chunk.PCM, r.encoding)
	if err != nil {
		return err
	}
	return r.sender.Send(transport.Message{
		Type:        transport.TypeAudioChunk,
		Seq:         chunk.Seq,
		UtteranceID: s.utteranceID,
		Encoding:    string(r.encoding),
		SampleRate:  r.sampleRate,
		Data:        data,
	})
}

func (s *remoteStream) Finalize() error {
	return s.recognizer.sender.Send(transport.Message{
		Type:        transport.TypeUtteranceClosed,
		UtteranceID: s.utteranceID,
	})
}

func (s *remoteStream) push(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// push is the only sender, so one receive always makes room. The
	// oldest result is dropped and a final is never lost.
	select {
	case s.results <- r:
	default:
		select {
		case <-s.results:
		default:
		}
		s.results <- r
	}
	if r.Final {
		s.closed = true
		close(s.results)
		s.recognizer.remove(s.utteranceID)
	}
}

func (s *remoteStream) Results() <-chan Result {
	return s.results
}

func (s *remoteStream) Err() error {
	return nil
}

func (s *remoteStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	s.mu.Unlock()
	s.recognizer.remove(s.utteranceID)
	return nil
}
