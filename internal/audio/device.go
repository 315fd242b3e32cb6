package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrDeviceClosed is reported when a device is used after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// Device is a microphone. Frames are delivered on the device's own
// goroutine (the platform audio callback); onError reports a failure that
// stops delivery.
type Device interface {
	Start(onFrame func(samples []int16), onError func(err error)) error
	Close() error
}

// FileDevice replays a WAV or raw 16-bit PCM file in real time, then keeps
// delivering silence so the conversation can continue headless.
type FileDevice struct {
	samples    []int16
	frameSize  int
	frameEvery time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFileDevice loads path and re-frames it at sampleRate.
func NewFileDevice(path string, sampleRate int, frameDuration time.Duration) (*FileDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}

	var samples []int16
	if strings.HasSuffix(strings.ToLower(path), ".wav") {
		wav, err := ReadWAV(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		samples = Resample(wav.Samples, wav.SampleRate, sampleRate)
	} else {
		samples = BytesToSamples(data)
	}

	return NewSampleDevice(samples, sampleRate, frameDuration), nil
}

// NewSampleDevice replays in-memory samples.
func NewSampleDevice(samples []int16, sampleRate int, frameDuration time.Duration) *FileDevice {
	return &FileDevice{
		samples:    samples,
		frameSize:  SamplesPerChunk(sampleRate, frameDuration),
		frameEvery: frameDuration,
		stop:       make(chan struct{}),
	}
}

func (d *FileDevice) Start(onFrame func(samples []int16), onError func(err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("audio device already started")
	}
	select {
	case <-d.stop:
		return ErrDeviceClosed
	default:
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.frameEvery)
		defer ticker.Stop()

		silence := make([]int16, d.frameSize)
		pos := 0
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
			}
			if pos >= len(d.samples) {
				onFrame(silence)
				continue
			}
			end := min(pos+d.frameSize, len(d.samples))
			frame := make([]int16, d.frameSize)
			copy(frame, d.samples[pos:end])
			pos = end
			onFrame(frame)
		}
	}()
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// WAV is a decoded mono PCM file.
type WAV struct {
	SampleRate int
	Samples    []int16
}

// ReadWAV decodes 16-bit PCM WAV data, downmixing to mono.
func ReadWAV(r io.Reader) (*WAV, error) {
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	var channels, bitsPerSample uint16
	var sampleRate uint32
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return nil, fmt.Errorf("WAV data chunk not found: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			body := make([]byte, chunk.Size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, errors.New("short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(body[0:]); format != 1 {
				return nil, fmt.Errorf("unsupported WAV format %d (need PCM)", format)
			}
			channels = binary.LittleEndian.Uint16(body[2:])
			sampleRate = binary.LittleEndian.Uint32(body[4:])
			bitsPerSample = binary.LittleEndian.Uint16(body[14:])
		case "data":
			if channels == 0 || bitsPerSample != 16 {
				return nil, errors.New("unsupported WAV layout (need 16-bit PCM)")
			}
			body := make([]byte, chunk.Size)
			n, err := io.ReadFull(r, body)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("failed to read WAV data: %w", err)
			}
			return &WAV{
				SampleRate: int(sampleRate),
				Samples:    downmix(BytesToSamples(body[:n]), int(channels)),
			}, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunk.Size+chunk.Size%2)); err != nil {
				return nil, fmt.Errorf("failed to skip %q chunk: %w", string(chunk.ID[:]), err)
			}
		}
	}
}

// WriteWAV encodes mono 16-bit PCM.
func WriteWAV(w io.Writer, sampleRate int, pcm []byte) error {
	header := struct {
		ID            [4]byte
		Size          uint32
		Format        [4]byte
		FmtID         [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		DataID        [4]byte
		DataSize      uint32
	}{
		ID:            [4]byte{'R', 'I', 'F', 'F'},
		Size:          uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}
