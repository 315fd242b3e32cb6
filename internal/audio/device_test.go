package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestWAV_RoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768}
	var buf bytes.Buffer
	if err := WriteWAV(&buf, 24000, SamplesToBytes(samples)); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}
	if buf.Len() != 44+len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", 44+len(samples)*2, buf.Len())
	}

	wav, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}
	if wav.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", wav.SampleRate)
	}
	for i, s := range samples {
		if wav.Samples[i] != s {
			t.Errorf("Expected sample %d at %d, got %d", s, i, wav.Samples[i])
		}
	}
}

func TestReadWAV_RejectsGarbage(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("definitely not a wav file at all"))); err == nil {
		t.Error("Expected error for non-WAV input")
	}
}

func TestSampleDevice_DeliversThenSilence(t *testing.T) {
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = 1000
	}
	dev := NewSampleDevice(samples, 16000, 5*time.Millisecond)

	frames := make(chan []int16, 16)
	if err := dev.Start(func(f []int16) {
		select {
		case frames <- f:
		default:
		}
	}, func(error) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var got [][]int16
	timeout := time.After(2 * time.Second)
	for len(got) < 6 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("Timed out after %d frames", len(got))
		}
	}
	dev.Close()

	// 320 samples at 80 per frame: four frames of tone, then silence
	for i, f := range got {
		if len(f) != 80 {
			t.Fatalf("Expected 80-sample frames, got %d", len(f))
		}
		want := int16(1000)
		if i >= 4 {
			want = 0
		}
		if f[0] != want {
			t.Errorf("Frame %d: expected first sample %d, got %d", i, want, f[0])
		}
	}

	if err := dev.Start(func([]int16) {}, func(error) {}); err == nil {
		t.Error("Expected restart after Close to fail")
	}
}
