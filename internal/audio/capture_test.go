package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type manualDevice struct {
	onFrame func([]int16)
	onError func(error)
	closed  bool
}

func (d *manualDevice) Start(onFrame func([]int16), onError func(error)) error {
	d.onFrame = onFrame
	d.onError = onError
	return nil
}

func (d *manualDevice) Close() error {
	d.closed = true
	return nil
}

func (d *manualDevice) push(amplitude int16, frames int) {
	for i := 0; i < frames; i++ {
		d.onFrame(constantFrame(amplitude, 160))
	}
}

func newTestCapture(window int) (*Capture, *manualDevice) {
	dev := &manualDevice{}
	capture, err := NewCapture(dev, CaptureConfig{
		SampleRate:    16000,
		ChunkDuration: 10 * time.Millisecond,
		Window:        window,
		VAD: VADConfig{
			MinSpeech:        120 * time.Millisecond,
			MinSilence:       600 * time.Millisecond,
			BargeInMinSpeech: 200 * time.Millisecond,
		},
	}, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return capture, dev
}

func drain(c *Capture) []CaptureEvent {
	var events []CaptureEvent
	for {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestNewCapture_RejectsEmptyFraming(t *testing.T) {
	tests := []struct {
		name   string
		config CaptureConfig
	}{
		{"missing sample rate", CaptureConfig{ChunkDuration: 20 * time.Millisecond}},
		{"missing chunk duration", CaptureConfig{SampleRate: 16000}},
		{"chunk shorter than a sample", CaptureConfig{SampleRate: 8000, ChunkDuration: time.Microsecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCapture(&manualDevice{}, tt.config, zerolog.Nop()); err == nil {
				t.Error("Expected error for empty chunk framing")
			}
		})
	}
}

func TestCapture_CalibrationPhase(t *testing.T) {
	capture, dev := newTestCapture(16)
	if err := capture.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dev.push(10, 3)
	if n := len(capture.CalibrationFrames()); n != 3 {
		t.Errorf("Expected 3 calibration frames, got %d", n)
	}
	if events := drain(capture); len(events) != 0 {
		t.Errorf("Expected no capture events while calibrating, got %d", len(events))
	}
}

func TestCapture_UtteranceLifecycle(t *testing.T) {
	capture, dev := newTestCapture(128)
	capture.Start()
	capture.Activate(15)

	dev.push(20, 15)
	events := drain(capture)

	if len(events) != 16 {
		t.Fatalf("Expected open + 15 chunks, got %d events", len(events))
	}
	if events[0].Kind != UtteranceOpened {
		t.Fatalf("Expected first event to be utterance_opened, got %s", events[0].Kind)
	}
	utteranceID := events[0].UtteranceID
	for i, ev := range events[1:] {
		if ev.Kind != ChunkCaptured {
			t.Fatalf("Expected chunk at %d, got %s", i, ev.Kind)
		}
		if ev.Chunk.UtteranceID != utteranceID {
			t.Errorf("Chunk %d carries utterance %s, expected %s", i, ev.Chunk.UtteranceID, utteranceID)
		}
		if ev.Chunk.Seq != uint64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, ev.Chunk.Seq)
		}
		if len(ev.Chunk.PCM) != 320 {
			t.Errorf("Expected 320-byte chunk, got %d", len(ev.Chunk.PCM))
		}
	}

	dev.push(2, 60)
	events = drain(capture)
	last := events[len(events)-1]
	if last.Kind != UtteranceClosed || last.UtteranceID != utteranceID {
		t.Errorf("Expected utterance_closed for %s, got %s %s", utteranceID, last.Kind, last.UtteranceID)
	}
	if events[len(events)-2].Chunk.IsSpeech {
		t.Error("Expected trailing chunk to be classified as silence")
	}
}

func TestCapture_DropsChunksUnderBackPressure(t *testing.T) {
	capture, dev := newTestCapture(4)
	drops := 0
	capture.OnDrop(func() { drops++ })
	capture.Start()
	capture.Activate(15)

	dev.push(20, 15)

	if capture.Dropped() != 12 {
		t.Errorf("Expected 12 dropped chunks, got %d", capture.Dropped())
	}
	if drops != 12 {
		t.Errorf("Expected drop hook called 12 times, got %d", drops)
	}
	events := drain(capture)
	if len(events) != 4 || events[0].Kind != UtteranceOpened {
		t.Errorf("Expected utterance_opened plus 3 chunks, got %d events", len(events))
	}
}

func TestCapture_BargeInThenTurnSwitch(t *testing.T) {
	capture, dev := newTestCapture(128)
	capture.Start()
	capture.Activate(15)
	capture.SetMode(ModeBargeIn)

	dev.push(20, 30)
	events := drain(capture)
	if len(events) != 1 || events[0].Kind != BargeInDetected {
		t.Fatalf("Expected exactly one barge_in event, got %v", events)
	}

	capture.SetMode(ModeListening)
	dev.push(20, 1)
	events = drain(capture)
	if len(events) == 0 || events[0].Kind != UtteranceOpened {
		t.Fatalf("Expected utterance to open right after turn switch, got %v", events)
	}
	if len(events) != 1+13+1 {
		t.Errorf("Expected pre-roll of 13 chunks plus current, got %d events", len(events))
	}
}

func TestCapture_ResetUtteranceSuppressesClose(t *testing.T) {
	capture, dev := newTestCapture(256)
	capture.Start()
	capture.Activate(15)

	dev.push(20, 15)
	drain(capture)
	capture.ResetUtterance()
	dev.push(2, 70)

	if events := drain(capture); len(events) != 0 {
		t.Errorf("Expected no events for abandoned utterance, got %d", len(events))
	}
}

func TestCapture_DeviceFailure(t *testing.T) {
	capture, dev := newTestCapture(8)
	capture.Start()

	dev.onError(errors.New("device unplugged"))
	events := drain(capture)
	if len(events) != 1 || events[0].Kind != DeviceFailed {
		t.Fatalf("Expected device_failed event, got %v", events)
	}

	capture.Close()
	if !dev.closed {
		t.Error("Expected device to be closed")
	}
}
