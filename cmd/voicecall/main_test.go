package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/config"
)

type pushDevice struct {
	onFrame func([]int16)
}

func (d *pushDevice) Start(onFrame func([]int16), onError func(error)) error {
	d.onFrame = onFrame
	return nil
}

func (d *pushDevice) Close() error { return nil }

func (d *pushDevice) push(amplitude int16, frames, size int) {
	for i := 0; i < frames; i++ {
		samples := make([]int16, size)
		for j := range samples {
			samples[j] = amplitude
		}
		d.onFrame(samples)
	}
}

func engineConfig() *config.Config {
	return &config.Config{
		SampleRate:       16000,
		ChunkDuration:    20 * time.Millisecond,
		CaptureWindow:    64,
		AudioBufferSize:  8192,
		VADMinSpeech:     120 * time.Millisecond,
		VADMinSilence:    600 * time.Millisecond,
		VADBargeInSpeech: 250 * time.Millisecond,
	}
}

func TestNewCapture_FramesDeviceAudio(t *testing.T) {
	dev := &pushDevice{}
	capture, err := newCapture(engineConfig(), dev, zerolog.Nop())
	if err != nil {
		t.Fatalf("newCapture failed: %v", err)
	}
	if err := capture.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 20ms at 16kHz is 320 samples per chunk.
	dev.push(10, 4, 320)
	if n := len(capture.CalibrationFrames()); n != 4 {
		t.Errorf("Expected 4 calibration frames, got %d", n)
	}

	capture.Activate(100)
	dev.push(3000, 10, 320)

	opened := false
	for len(capture.Events()) > 0 {
		if ev := <-capture.Events(); ev.Kind == audio.UtteranceOpened {
			opened = true
		}
	}
	if !opened {
		t.Error("Expected sustained speech to open an utterance")
	}
}

func TestNewCapture_RequiresSampleRate(t *testing.T) {
	cfg := engineConfig()
	cfg.SampleRate = 0
	if _, err := newCapture(cfg, &pushDevice{}, zerolog.Nop()); err == nil {
		t.Error("Expected error when sample rate is missing")
	}
}
