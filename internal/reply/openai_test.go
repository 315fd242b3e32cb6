package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/resilience"
)

func collect(t *testing.T, chunks <-chan Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return b.String(), nil
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			b.WriteString(c.Text)
		case <-timeout:
			t.Fatal("Timed out waiting for reply stream")
		}
	}
}

func newTestOpenAI(url string) *OpenAIGenerator {
	breaker := resilience.NewCircuitBreaker("reply-test", 5, time.Second)
	return NewOpenAIGenerator(OpenAIConfig{BaseURL: url, Model: "test-model", SystemPrompt: "be brief"}, breaker, zerolog.Nop())
}

func TestOpenAIGenerator_Streams(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"It is ", "sunny ", "today."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := newTestOpenAI(server.URL)
	chunks, err := g.Generate(context.Background(), Request{
		AttemptID: "a1",
		Text:      "what is the weather",
		History:   []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleAssistant, Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	text, err := collect(t, chunks)
	if err != nil {
		t.Fatalf("Unexpected stream error: %v", err)
	}
	if text != "It is sunny today." {
		t.Errorf("Expected 'It is sunny today.', got %q", text)
	}

	if !got.Stream {
		t.Error("Expected stream=true in request")
	}
	if len(got.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[3].Content != "what is the weather" {
		t.Errorf("Unexpected messages: %+v", got.Messages)
	}
}

func TestOpenAIGenerator_NonStreamingFallback(t *testing.T) {
	reply := "This reply came back as a single JSON body instead of a stream of events."
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, reply)
	}))
	defer server.Close()

	chunks, err := newTestOpenAI(server.URL).Generate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var pieces []string
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("Unexpected error: %v", c.Err)
		}
		pieces = append(pieces, c.Text)
	}
	if len(pieces) < 2 {
		t.Errorf("Expected reply to be split into several chunks, got %d", len(pieces))
	}
	if strings.Join(pieces, "") != reply {
		t.Errorf("Expected reassembled reply %q, got %q", reply, strings.Join(pieces, ""))
	}
}

func TestOpenAIGenerator_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestOpenAI(server.URL).Generate(context.Background(), Request{Text: "hi"})
	if err == nil {
		t.Fatal("Expected error for non-OK status")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestOpenAIGenerator_CancelStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := newTestOpenAI(server.URL).Generate(ctx, Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	first := <-chunks
	if first.Text != "first" {
		t.Errorf("Expected first chunk, got %+v", first)
	}
	cancel()

	select {
	case _, ok := <-chunks:
		for ok {
			_, ok = <-chunks
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected stream to close after cancel")
	}
}
