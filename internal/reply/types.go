// Package reply streams assistant replies from a language model backend.
package reply

import (
	"context"
	"unicode"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role Role
	Text string
}

// Request asks for a reply to one transcript.
type Request struct {
	AttemptID   string
	UtteranceID string
	Text        string
	History     []Turn
}

// Chunk is one streamed piece of the reply. A chunk with Err set is the
// last one on the channel.
type Chunk struct {
	Text string
	Err  error
}

// Generator produces a reply stream. The channel is closed when the reply
// is complete, fails, or ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, error)
}

// fallbackChunkSize is used to slice a complete, non-streamed reply into
// token-like pieces.
const fallbackChunkSize = 40

// splitChunks cuts text into pieces of at most size runes, preferring to
// break after whitespace.
func splitChunks(text string, size int) []string {
	var out []string
	runes := []rune(text)
	for len(runes) > size {
		n := size
		for i := size - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				n = i + 1
				break
			}
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// History keeps the most recent turns of a conversation.
type History struct {
	max   int
	turns []Turn
}

// NewHistory keeps at most max turns; zero disables history.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Add records a completed exchange.
func (h *History) Add(user, assistant string) {
	if h.max <= 0 {
		return
	}
	h.turns = append(h.turns, Turn{Role: RoleUser, Text: user})
	if assistant != "" {
		h.turns = append(h.turns, Turn{Role: RoleAssistant, Text: assistant})
	}
	if len(h.turns) > h.max {
		h.turns = h.turns[len(h.turns)-h.max:]
	}
}

// Turns returns a copy of the retained turns, oldest first.
func (h *History) Turns() []Turn {
	return append([]Turn(nil), h.turns...)
}
