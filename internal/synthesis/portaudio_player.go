//go:build portaudio

package synthesis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lexiqai/voicev2/internal/audio"
)

// PortAudioPlayer plays through the default output device. Each blocking
// Write covers one playback buffer, which bounds how late a stop lands.
type PortAudioPlayer struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// NewPortAudioPlayer opens a mono output stream. Initialization is
// reference counted by PortAudio, so the player holds its own.
func NewPortAudioPlayer(sampleRate int, buffer time.Duration) (*PortAudioPlayer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	frames := audio.SamplesPerChunk(sampleRate, buffer)
	buf := make([]int16, frames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frames, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open speaker: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start speaker: %w", err)
	}
	return &PortAudioPlayer{stream: stream, buf: buf}, nil
}

func (p *PortAudioPlayer) Play(ctx context.Context, pcm []byte) error {
	samples := audio.BytesToSamples(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlayerClosed
	}

	for off := 0; off < len(samples); off += len(p.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(p.buf, samples[off:])
		clear(p.buf[n:])
		if err := p.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			return fmt.Errorf("speaker write failed: %w", err)
		}
	}
	return nil
}

func (p *PortAudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stream.Stop()
	err := p.stream.Close()
	portaudio.Terminate()
	return err
}
