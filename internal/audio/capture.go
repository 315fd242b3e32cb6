package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AudioChunk is one fixed-duration slice of captured audio. It is handed to
// the transport once and not retained.
type AudioChunk struct {
	Seq         uint64
	UtteranceID string
	PCM         []byte
	IsSpeech    bool
	Timestamp   time.Time
}

// CaptureEventKind identifies a capture event.
type CaptureEventKind int

const (
	ChunkCaptured CaptureEventKind = iota
	UtteranceOpened
	UtteranceClosed
	BargeInDetected
	DeviceFailed
)

func (k CaptureEventKind) String() string {
	switch k {
	case ChunkCaptured:
		return "chunk"
	case UtteranceOpened:
		return "utterance_opened"
	case UtteranceClosed:
		return "utterance_closed"
	case BargeInDetected:
		return "barge_in"
	case DeviceFailed:
		return "device_failed"
	}
	return "unknown"
}

// CaptureEvent is the single outbound stream of the capture component.
type CaptureEvent struct {
	Kind        CaptureEventKind
	UtteranceID string
	Chunk       AudioChunk
	Err         error
}

// CaptureConfig controls chunking and VAD.
type CaptureConfig struct {
	SampleRate    int
	ChunkDuration time.Duration
	// Window bounds the outgoing event buffer; chunks beyond it are dropped.
	Window     int
	BufferSize int
	VAD        VADConfig
}

type capturePhase int

const (
	phaseIdle capturePhase = iota
	phaseCalibrating
	phaseActive
	phaseClosed
)

// Capture re-frames device audio into chunks, runs VAD over them and emits
// utterance-scoped events. Chunks outside an utterance are held only in a
// short pre-roll so the recognizer hears the speech onset.
type Capture struct {
	device     Device
	config     CaptureConfig
	logger     zerolog.Logger
	chunkBytes int
	ring       *RingBuffer
	events     chan CaptureEvent
	calib      chan []int16
	done       chan struct{}
	closeOnce  sync.Once
	dropped    atomic.Uint64
	onDrop     func()

	mu          sync.Mutex
	phase       capturePhase
	vad         *VADDetector
	preroll     [][]byte
	prerollMax  int
	utteranceID string
	seq         uint64
}

// NewCapture creates a capture pipeline over device. SampleRate and
// ChunkDuration must describe at least one sample per chunk.
func NewCapture(device Device, config CaptureConfig, logger zerolog.Logger) (*Capture, error) {
	if config.Window <= 0 {
		config.Window = 16
	}
	chunkBytes := SamplesPerChunk(config.SampleRate, config.ChunkDuration) * 2
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("invalid capture framing: %d Hz, %v chunks", config.SampleRate, config.ChunkDuration)
	}
	if config.BufferSize < chunkBytes*4 {
		config.BufferSize = chunkBytes * 4
	}
	config.VAD.FrameDuration = config.ChunkDuration

	prerollMax := 1
	if config.ChunkDuration > 0 {
		prerollMax = int(config.VAD.MinSpeech/config.ChunkDuration) + 1
	}

	return &Capture{
		device:     device,
		config:     config,
		logger:     logger,
		chunkBytes: chunkBytes,
		ring:       NewRingBuffer(config.BufferSize),
		events:     make(chan CaptureEvent, config.Window),
		calib:      make(chan []int16, 256),
		done:       make(chan struct{}),
		vad:        NewVADDetector(config.VAD),
		prerollMax: prerollMax,
	}, nil
}

// OnDrop registers a hook called for every chunk dropped under back-pressure.
func (c *Capture) OnDrop(fn func()) {
	c.onDrop = fn
}

// Start opens the device. Until Activate is called, chunks are routed to
// CalibrationFrames.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return errors.New("capture already started")
	}
	c.phase = phaseCalibrating
	c.mu.Unlock()

	return c.device.Start(c.onFrame, c.onError)
}

// CalibrationFrames yields chunk-sized frames while calibrating.
func (c *Capture) CalibrationFrames() <-chan []int16 {
	return c.calib
}

// Activate applies the calibrated threshold and starts VAD.
func (c *Capture) Activate(threshold float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseClosed {
		return
	}
	c.vad.SetThreshold(threshold)
	c.phase = phaseActive
}

// Events is the ordered outbound event stream.
func (c *Capture) Events() <-chan CaptureEvent {
	return c.events
}

// SetMode switches VAD between listening and barge-in detection.
func (c *Capture) SetMode(mode VADMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vad.SetMode(mode)
	if mode == ModeBargeIn {
		c.utteranceID = ""
	}
}

// ResetUtterance abandons the open utterance, if any, without a close event.
func (c *Capture) ResetUtterance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vad.ResetUtterance()
	c.utteranceID = ""
	c.preroll = c.preroll[:0]
}

// Dropped returns the number of chunks dropped under back-pressure.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

// Close stops the device and releases the pipeline.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.phase = phaseClosed
		c.mu.Unlock()
		close(c.done)
		err = c.device.Close()
	})
	return err
}

func (c *Capture) onFrame(samples []int16) {
	c.ring.Write(SamplesToBytes(samples))
	for {
		chunk, ok := c.ring.ReadChunk(c.chunkBytes)
		if !ok {
			return
		}
		for _, ev := range c.process(chunk) {
			c.emit(ev)
		}
	}
}

func (c *Capture) onError(err error) {
	c.logger.Error().Err(err).Msg("Audio device failed")
	c.emit(CaptureEvent{Kind: DeviceFailed, Err: err})
}

// process runs VAD over one chunk and returns the events it produced.
func (c *Capture) process(pcm []byte) []CaptureEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case phaseCalibrating:
		select {
		case c.calib <- BytesToSamples(pcm):
		default:
		}
		return nil
	case phaseActive:
	default:
		return nil
	}

	isSpeech, edge := c.vad.ProcessFrame(BytesToSamples(pcm))
	now := time.Now()

	var out []CaptureEvent
	switch edge {
	case VADUtteranceOpened:
		c.utteranceID = uuid.New().String()
		out = append(out, CaptureEvent{Kind: UtteranceOpened, UtteranceID: c.utteranceID})
		for _, held := range c.preroll {
			out = append(out, c.chunkEvent(held, true, now))
		}
		c.preroll = c.preroll[:0]
		out = append(out, c.chunkEvent(pcm, isSpeech, now))
	case VADUtteranceClosed:
		out = append(out, c.chunkEvent(pcm, isSpeech, now))
		out = append(out, CaptureEvent{Kind: UtteranceClosed, UtteranceID: c.utteranceID})
		c.utteranceID = ""
	case VADBargeIn:
		out = append(out, CaptureEvent{Kind: BargeInDetected})
		c.hold(pcm)
	default:
		if c.utteranceID != "" {
			out = append(out, c.chunkEvent(pcm, isSpeech, now))
		} else if isSpeech {
			c.hold(pcm)
		} else {
			c.preroll = c.preroll[:0]
		}
	}
	return out
}

func (c *Capture) hold(pcm []byte) {
	if len(c.preroll) == c.prerollMax {
		copy(c.preroll, c.preroll[1:])
		c.preroll = c.preroll[:len(c.preroll)-1]
	}
	c.preroll = append(c.preroll, pcm)
}

func (c *Capture) chunkEvent(pcm []byte, isSpeech bool, ts time.Time) CaptureEvent {
	c.seq++
	return CaptureEvent{
		Kind:        ChunkCaptured,
		UtteranceID: c.utteranceID,
		Chunk: AudioChunk{
			Seq:         c.seq,
			UtteranceID: c.utteranceID,
			PCM:         pcm,
			IsSpeech:    isSpeech,
			Timestamp:   ts,
		},
	}
}

// emit drops chunk events when the window is full; control events wait.
func (c *Capture) emit(ev CaptureEvent) {
	if ev.Kind == ChunkCaptured {
		select {
		case c.events <- ev:
		case <-c.done:
		default:
			c.dropped.Add(1)
			if c.onDrop != nil {
				c.onDrop()
			}
		}
		return
	}

	select {
	case c.events <- ev:
	case <-c.done:
	}
}
