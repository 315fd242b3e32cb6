//go:build !portaudio

package main

import (
	"errors"

	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/config"
	"github.com/lexiqai/voicev2/internal/synthesis"
)

// openDevices replays INPUT_FILE and writes reply audio to OUTPUT_FILE in
// real time. Build with -tags portaudio for a live microphone and speaker.
func openDevices(cfg *config.Config) (audio.Device, synthesis.Player, error) {
	if cfg.InputFile == "" {
		return nil, nil, errors.New("INPUT_FILE is required without portaudio support")
	}
	device, err := audio.NewFileDevice(cfg.InputFile, cfg.SampleRate, cfg.ChunkDuration)
	if err != nil {
		return nil, nil, err
	}
	out, err := openOutput(cfg.OutputFile)
	if err != nil {
		return nil, nil, err
	}
	return device, synthesis.NewWriterPlayer(out, cfg.PlaybackSampleRate, cfg.PlaybackBuffer, true), nil
}
