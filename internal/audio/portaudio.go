//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures the default input device.
type PortAudioDevice struct {
	sampleRate int
	frameSize  int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewPortAudioDevice initializes PortAudio for a mono input stream.
func NewPortAudioDevice(sampleRate, frameSize int) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioDevice{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		stop:       make(chan struct{}),
	}, nil
}

func (d *PortAudioDevice) Start(onFrame func(samples []int16), onError func(err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return errors.New("audio device already started")
	}

	d.buf = make([]int16, d.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frameSize, d.buf)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start microphone: %w", err)
	}
	d.stream = stream

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				return
			default:
			}
			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				onError(fmt.Errorf("microphone read failed: %w", err))
				return
			}
			onFrame(append([]int16(nil), d.buf...))
		}
	}()
	return nil
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	select {
	case <-d.stop:
		d.mu.Unlock()
		return nil
	default:
		close(d.stop)
	}
	stream := d.stream
	d.mu.Unlock()

	d.wg.Wait()
	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
	}
	return portaudio.Terminate()
}
