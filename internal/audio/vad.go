package audio

import "time"

// VADMode selects how sustained speech is interpreted.
type VADMode int

const (
	// ModeListening opens and closes utterances.
	ModeListening VADMode = iota
	// ModeBargeIn reports sustained speech as an interrupt request while
	// the assistant is speaking; no utterance is opened.
	ModeBargeIn
)

func (m VADMode) String() string {
	if m == ModeBargeIn {
		return "barge_in"
	}
	return "listening"
}

// VADEvent is the edge produced by one frame.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADUtteranceOpened
	VADUtteranceClosed
	VADBargeIn
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	Threshold        float64       // RMS above which a frame counts as speech
	FrameDuration    time.Duration // duration of one processed frame
	MinSpeech        time.Duration // speech needed before an utterance opens
	MinSilence       time.Duration // silence needed before an utterance closes
	BargeInMinSpeech time.Duration // speech needed to request an interrupt
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:        500.0,
		FrameDuration:    20 * time.Millisecond,
		MinSpeech:        120 * time.Millisecond,
		MinSilence:       600 * time.Millisecond,
		BargeInMinSpeech: 250 * time.Millisecond,
	}
}

// VADDetector classifies frames and debounces speech and silence runs. At
// most one utterance is open at a time. Not safe for concurrent use.
type VADDetector struct {
	config       VADConfig
	mode         VADMode
	open         bool
	speechRun    time.Duration
	silenceRun   time.Duration
	bargeInFired bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config VADConfig) *VADDetector {
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame and returns whether it is speech plus
// the utterance edge it caused, if any.
func (v *VADDetector) ProcessFrame(samples []int16) (bool, VADEvent) {
	isSpeech := CalculateRMS(samples) > v.config.Threshold
	if isSpeech {
		v.speechRun += v.config.FrameDuration
		v.silenceRun = 0
	} else {
		v.silenceRun += v.config.FrameDuration
		v.speechRun = 0
	}

	if v.mode == ModeBargeIn {
		if !isSpeech {
			v.bargeInFired = false
			return false, VADNone
		}
		if !v.bargeInFired && v.speechRun >= v.config.BargeInMinSpeech {
			v.bargeInFired = true
			return true, VADBargeIn
		}
		return true, VADNone
	}

	switch {
	case !v.open && v.speechRun >= v.config.MinSpeech:
		v.open = true
		return isSpeech, VADUtteranceOpened
	case v.open && v.silenceRun >= v.config.MinSilence:
		v.open = false
		return isSpeech, VADUtteranceClosed
	}
	return isSpeech, VADNone
}

// SetMode switches between listening and barge-in detection. The current
// speech run carries over, so speech that triggered a barge-in opens an
// utterance on the next frame once listening resumes.
func (v *VADDetector) SetMode(mode VADMode) {
	v.mode = mode
	v.bargeInFired = false
	if mode == ModeBargeIn {
		v.open = false
	}
}

// Mode returns the current detection mode.
func (v *VADDetector) Mode() VADMode {
	return v.mode
}

// SetThreshold applies a calibrated speech threshold.
func (v *VADDetector) SetThreshold(threshold float64) {
	v.config.Threshold = threshold
}

// Threshold returns the active speech threshold.
func (v *VADDetector) Threshold() float64 {
	return v.config.Threshold
}

// ResetUtterance abandons any open utterance without emitting a close.
func (v *VADDetector) ResetUtterance() {
	v.open = false
	v.speechRun = 0
	v.silenceRun = 0
}

// IsOpen reports whether an utterance is currently open.
func (v *VADDetector) IsOpen() bool {
	return v.open
}
