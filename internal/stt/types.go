// Package stt adapts streaming speech-to-text providers into cumulative,
// utterance-scoped transcript segments.
package stt

import (
	"context"

	"github.com/lexiqai/voicev2/internal/audio"
)

// Kind of a transcript segment.
type Kind string

const (
	KindPartial Kind = "partial"
	KindStable  Kind = "stable"
	KindFinal   Kind = "final"
)

// TranscriptSegment is cumulative: each segment carries the full text of
// the utterance so far and supersedes earlier ones with the same id.
type TranscriptSegment struct {
	UtteranceID string
	Text        string
	Kind        Kind
	Confidence  float64
}

// Result is one cumulative provider output for an open stream.
type Result struct {
	Text       string
	Confidence float64
	// Stable marks text the provider will not revise.
	Stable bool
	// Final is the answer to Finalize; the stream ends after it.
	Final bool
}

// Recognizer opens one provider stream per utterance.
type Recognizer interface {
	Open(ctx context.Context, utteranceID string) (Stream, error)
}

// Stream is a bidirectional provider stream: chunks in, results out.
type Stream interface {
	Send(chunk audio.AudioChunk) error
	// Finalize requests the final pass for everything sent so far.
	Finalize() error
	// Results is closed after the final result or when the stream fails.
	Results() <-chan Result
	// Err reports why Results closed without a final result.
	Err() error
	Close() error
}
