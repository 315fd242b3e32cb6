package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring used to re-frame device buffers of
// arbitrary size into fixed-duration chunks.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []byte
	read   int
	count  int
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write appends data and returns the number of bytes stored; data beyond
// the free space is dropped.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), len(rb.buffer)-rb.count)
	write := (rb.read + rb.count) % len(rb.buffer)
	first := copy(rb.buffer[write:], data[:n])
	copy(rb.buffer, data[first:n])
	rb.count += n
	return n
}

// Read copies up to len(data) bytes out of the buffer.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := min(len(data), rb.count)
	first := copy(data[:n], rb.buffer[rb.read:])
	copy(data[first:n], rb.buffer)
	rb.read = (rb.read + n) % len(rb.buffer)
	rb.count -= n
	return n
}

// ReadChunk removes exactly size bytes if that many are buffered.
func (rb *RingBuffer) ReadChunk(size int) ([]byte, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if size <= 0 || rb.count < size {
		return nil, false
	}
	chunk := make([]byte, size)
	rb.readLocked(chunk)
	return chunk, true
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.count
}

// Clear discards all buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
