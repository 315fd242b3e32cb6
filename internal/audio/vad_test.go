package audio

import (
	"testing"
	"time"
)

func constantFrame(amplitude int16, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func testVADConfig(threshold float64) VADConfig {
	return VADConfig{
		Threshold:        threshold,
		FrameDuration:    10 * time.Millisecond,
		MinSpeech:        120 * time.Millisecond,
		MinSilence:       600 * time.Millisecond,
		BargeInMinSpeech: 200 * time.Millisecond,
	}
}

// Baseline 10 with a 1.5 multiplier gives threshold 15; amplitude 20
// sustained for 150ms must open an utterance after 120ms.
func TestVADDetector_OpensAfterMinSpeech(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))
	speech := constantFrame(20, 160)

	openedAt := -1
	for i := 0; i < 15; i++ {
		isSpeech, event := vad.ProcessFrame(speech)
		if !isSpeech {
			t.Fatalf("Expected frame %d to be speech", i)
		}
		if event == VADUtteranceOpened {
			if openedAt >= 0 {
				t.Fatalf("Utterance opened twice (frames %d and %d)", openedAt, i)
			}
			openedAt = i
		}
	}

	if openedAt != 11 {
		t.Errorf("Expected utterance to open at frame 11 (120ms), got %d", openedAt)
	}
}

func TestVADDetector_ClickFiltered(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))

	for i := 0; i < 5; i++ {
		if _, event := vad.ProcessFrame(constantFrame(20, 160)); event != VADNone {
			t.Fatalf("Expected no event during short click, got %v", event)
		}
	}
	vad.ProcessFrame(constantFrame(2, 160))
	if vad.IsOpen() {
		t.Error("Expected 50ms click not to open an utterance")
	}
}

func TestVADDetector_ClosesAfterMinSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))
	for i := 0; i < 12; i++ {
		vad.ProcessFrame(constantFrame(20, 160))
	}
	if !vad.IsOpen() {
		t.Fatal("Expected open utterance")
	}

	// a 300ms mid-sentence pause must not close it
	for i := 0; i < 30; i++ {
		if _, event := vad.ProcessFrame(constantFrame(2, 160)); event == VADUtteranceClosed {
			t.Fatalf("Utterance closed during short pause at frame %d", i)
		}
	}
	vad.ProcessFrame(constantFrame(20, 160))

	closedAt := -1
	for i := 0; i < 70; i++ {
		if _, event := vad.ProcessFrame(constantFrame(2, 160)); event == VADUtteranceClosed {
			closedAt = i
			break
		}
	}
	if closedAt != 59 {
		t.Errorf("Expected close after 600ms of silence (frame 59), got %d", closedAt)
	}
}

func TestVADDetector_NeverTwoOpenUtterances(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))

	pattern := []int16{20, 20, 2, 20, 20, 20, 2, 2, 20}
	open := false
	for round := 0; round < 200; round++ {
		amp := pattern[round%len(pattern)]
		if round%37 < 15 {
			amp = 2
		}
		_, event := vad.ProcessFrame(constantFrame(amp, 160))
		switch event {
		case VADUtteranceOpened:
			if open {
				t.Fatalf("Second utterance opened at round %d while one was open", round)
			}
			open = true
		case VADUtteranceClosed:
			if !open {
				t.Fatalf("Close without open at round %d", round)
			}
			open = false
		}
	}
}

func TestVADDetector_BargeInMode(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))
	vad.SetMode(ModeBargeIn)

	fired := 0
	for i := 0; i < 40; i++ {
		_, event := vad.ProcessFrame(constantFrame(20, 160))
		if event == VADUtteranceOpened {
			t.Fatal("Expected no utterance while in barge-in mode")
		}
		if event == VADBargeIn {
			fired++
			if i != 19 {
				t.Errorf("Expected barge-in at frame 19 (200ms), got %d", i)
			}
		}
	}
	if fired != 1 {
		t.Errorf("Expected one barge-in for one sustained run, got %d", fired)
	}

	// turn switch confirmed: continuing speech opens immediately
	vad.SetMode(ModeListening)
	if _, event := vad.ProcessFrame(constantFrame(20, 160)); event != VADUtteranceOpened {
		t.Errorf("Expected utterance to open right after turn switch, got %v", event)
	}
}

func TestVADDetector_ResetUtterance(t *testing.T) {
	vad := NewVADDetector(testVADConfig(15))
	for i := 0; i < 12; i++ {
		vad.ProcessFrame(constantFrame(20, 160))
	}
	vad.ResetUtterance()

	if vad.IsOpen() {
		t.Error("Expected no open utterance after reset")
	}
	if _, event := vad.ProcessFrame(constantFrame(20, 160)); event != VADNone {
		t.Errorf("Expected debounce to restart after reset, got %v", event)
	}
}

func TestVADDetector_SetThreshold(t *testing.T) {
	vad := NewVADDetector(testVADConfig(500))
	if isSpeech, _ := vad.ProcessFrame(constantFrame(20, 160)); isSpeech {
		t.Error("Expected amplitude 20 to be silence at threshold 500")
	}
	vad.SetThreshold(15)
	if isSpeech, _ := vad.ProcessFrame(constantFrame(20, 160)); !isSpeech {
		t.Error("Expected amplitude 20 to be speech at threshold 15")
	}
}
