package audio

import (
	"context"
	"time"
)

// CalibrationProfile is computed once per session and read-only afterwards.
type CalibrationProfile struct {
	NoiseFloor      float64
	SpeechThreshold float64
	MeasuredAt      time.Time
	// Fallback is set when the default threshold was used because the
	// ambient window could not be measured.
	Fallback bool
}

// CalibrationConfig controls the ambient measurement.
type CalibrationConfig struct {
	Window           time.Duration
	Timeout          time.Duration
	Multiplier       float64
	DefaultThreshold float64
	FrameDuration    time.Duration
}

// Calibrator derives a speech threshold from ambient noise.
type Calibrator struct {
	config CalibrationConfig
}

// NewCalibrator creates a calibrator.
func NewCalibrator(config CalibrationConfig) *Calibrator {
	if config.Multiplier <= 0 {
		config.Multiplier = 1.5
	}
	if config.DefaultThreshold <= 0 {
		config.DefaultThreshold = 500
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	return &Calibrator{config: config}
}

// Calibrate averages frame RMS over the configured window. It never blocks
// past Timeout: if frames stop arriving, the channel closes, or ctx ends
// before any frame is measured, the default threshold is returned.
func (c *Calibrator) Calibrate(ctx context.Context, frames <-chan []int16) CalibrationProfile {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var sum float64
	var count int
	var measured time.Duration

loop:
	for measured < c.config.Window {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-frames:
			if !ok {
				break loop
			}
			sum += CalculateRMS(frame)
			count++
			measured += c.config.FrameDuration
		}
	}

	if count == 0 {
		return c.Default()
	}
	floor := sum / float64(count)
	return CalibrationProfile{
		NoiseFloor:      floor,
		SpeechThreshold: floor * c.config.Multiplier,
		MeasuredAt:      time.Now(),
	}
}

// Default returns the conservative profile used when measurement fails.
func (c *Calibrator) Default() CalibrationProfile {
	return CalibrationProfile{
		NoiseFloor:      c.config.DefaultThreshold / c.config.Multiplier,
		SpeechThreshold: c.config.DefaultThreshold,
		MeasuredAt:      time.Now(),
		Fallback:        true,
	}
}
