package synthesis

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/voicev2/internal/audio"
)

// ErrPlayerClosed is returned by Play after Close.
var ErrPlayerClosed = errors.New("player closed")

// Player plays linear16 PCM. Play blocks until the audio has been played
// or ctx is cancelled; after cancellation it returns within one playback
// buffer.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
	Close() error
}

// WriterPlayer writes audio to an io.Writer one buffer at a time. With
// Realtime set, writes are paced at the playback rate.
type WriterPlayer struct {
	w          io.Writer
	sampleRate int
	buffer     time.Duration
	realtime   bool

	mu     sync.Mutex
	closed bool
	played int64
}

func NewWriterPlayer(w io.Writer, sampleRate int, buffer time.Duration, realtime bool) *WriterPlayer {
	if buffer <= 0 {
		buffer = 20 * time.Millisecond
	}
	return &WriterPlayer{w: w, sampleRate: sampleRate, buffer: buffer, realtime: realtime}
}

func (p *WriterPlayer) Play(ctx context.Context, pcm []byte) error {
	step := audio.SamplesPerChunk(p.sampleRate, p.buffer) * 2
	if step <= 0 {
		step = len(pcm)
	}

	var ticker *time.Ticker
	if p.realtime {
		ticker = time.NewTicker(p.buffer)
		defer ticker.Stop()
	}

	for off := 0; off < len(pcm); off += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+step, len(pcm))

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPlayerClosed
		}
		n, err := p.w.Write(pcm[off:end])
		p.played += int64(n)
		p.mu.Unlock()
		if err != nil {
			return err
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Played returns the number of bytes written so far.
func (p *WriterPlayer) Played() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

func (p *WriterPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
