package synthesis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/resilience"
)

func TestCartesiaSynthesizer_Synthesize(t *testing.T) {
	var got CartesiaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("Expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		// 100ms of 24kHz audio
		w.Write(make([]byte, 2400*2))
	}))
	defer server.Close()

	synth := NewCartesiaSynthesizer(CartesiaConfig{
		APIKey:     "key",
		VoiceID:    "voice-1",
		OutputRate: 16000,
		URL:        server.URL,
	}, resilience.NewCircuitBreaker("cartesia-test", 5, time.Second), zerolog.Nop())

	pcm, err := synth.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(pcm) != 1600*2 {
		t.Errorf("Expected 3200 bytes at 16kHz, got %d", len(pcm))
	}
	if got.Transcript != "Hello there." || got.Voice.ID != "voice-1" {
		t.Errorf("Unexpected request: %+v", got)
	}
	if got.OutputFormat.Encoding != "pcm_s16le" {
		t.Errorf("Expected pcm_s16le, got %s", got.OutputFormat.Encoding)
	}
}

func TestCartesiaSynthesizer_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	synth := NewCartesiaSynthesizer(CartesiaConfig{URL: server.URL, OutputRate: 16000},
		resilience.NewCircuitBreaker("cartesia-test", 1, time.Minute), zerolog.Nop())

	if _, err := synth.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("Expected error for 429")
	}
	if _, err := synth.Synthesize(context.Background(), "hi"); err != resilience.ErrCircuitOpen {
		t.Errorf("Expected open circuit after failure, got %v", err)
	}
}
