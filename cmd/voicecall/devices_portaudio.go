//go:build portaudio

package main

import (
	"github.com/lexiqai/voicev2/internal/audio"
	"github.com/lexiqai/voicev2/internal/config"
	"github.com/lexiqai/voicev2/internal/synthesis"
)

// openDevices uses the default microphone and speaker, or INPUT_FILE when
// set.
func openDevices(cfg *config.Config) (audio.Device, synthesis.Player, error) {
	var device audio.Device
	if cfg.InputFile != "" {
		fd, err := audio.NewFileDevice(cfg.InputFile, cfg.SampleRate, cfg.ChunkDuration)
		if err != nil {
			return nil, nil, err
		}
		device = fd
	} else {
		pd, err := audio.NewPortAudioDevice(cfg.SampleRate, audio.SamplesPerChunk(cfg.SampleRate, cfg.ChunkDuration))
		if err != nil {
			return nil, nil, err
		}
		device = pd
	}

	if cfg.OutputFile != "" {
		out, err := openOutput(cfg.OutputFile)
		if err != nil {
			return nil, nil, err
		}
		return device, synthesis.NewWriterPlayer(out, cfg.PlaybackSampleRate, cfg.PlaybackBuffer, true), nil
	}

	player, err := synthesis.NewPortAudioPlayer(cfg.PlaybackSampleRate, cfg.PlaybackBuffer)
	if err != nil {
		return nil, nil, err
	}
	return device, player, nil
}
