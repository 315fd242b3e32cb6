// Package synthesis turns a reply's token stream into ordered sentence
// audio and plays it, interruptibly.
package synthesis

import (
	"strings"
	"unicode"
)

// Splitter finds sentence boundaries in streamed text: terminal
// punctuation followed by whitespace, or a length cap when a sentence runs
// long.
type Splitter struct {
	maxChars int
	buf      []rune
}

func NewSplitter(maxChars int) *Splitter {
	if maxChars <= 0 {
		maxChars = 180
	}
	return &Splitter{maxChars: maxChars}
}

// Push appends text and returns every sentence it completed.
func (s *Splitter) Push(text string) []string {
	s.buf = append(s.buf, []rune(text)...)

	var out []string
	for {
		cut := s.boundary()
		if cut < 0 {
			break
		}
		if sentence := strings.TrimSpace(string(s.buf[:cut])); sentence != "" {
			out = append(out, sentence)
		}
		s.buf = s.buf[cut:]
	}
	return out
}

// Flush returns whatever text remains as the last sentence.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	return rest
}

// boundary returns the end of the first complete sentence in buf, or -1.
func (s *Splitter) boundary() int {
	for i := 0; i+1 < len(s.buf) && i < s.maxChars; i++ {
		if isTerminal(s.buf[i]) && unicode.IsSpace(s.buf[i+1]) {
			return i + 1
		}
	}
	if len(s.buf) <= s.maxChars {
		return -1
	}
	for i := s.maxChars; i > 0; i-- {
		if unicode.IsSpace(s.buf[i]) {
			return i
		}
	}
	return s.maxChars
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}
