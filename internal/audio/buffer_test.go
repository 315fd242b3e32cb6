package audio

import (
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	if written := rb.Write([]byte{1, 2, 3, 4, 5}); written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if written := rb.Write([]byte{6, 7, 8}); written != 3 {
		t.Errorf("Expected to write 3 bytes, got %d", written)
	}
	if rb.Available() != 8 {
		t.Errorf("Expected available 8, got %d", rb.Available())
	}
	if rb.Space() != 2 {
		t.Errorf("Expected space 2, got %d", rb.Space())
	}
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3, 4, 5})
	if !rb.IsFull() {
		t.Error("Expected buffer to be full")
	}

	if written := rb.Write([]byte{6, 7}); written != 0 {
		t.Errorf("Expected to write 0 bytes into full buffer, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5 after overflow, got %d", rb.Available())
	}
}

func TestRingBuffer_ReadEmpty(t *testing.T) {
	rb := NewRingBuffer(10)

	buf := make([]byte, 5)
	if read := rb.Read(buf); read != 0 {
		t.Errorf("Expected to read 0 bytes from empty buffer, got %d", read)
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty")
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(6)

	rb.Write([]byte{1, 2, 3, 4})
	buf := make([]byte, 3)
	rb.Read(buf)

	// read index is now 3; this write wraps past the end
	if written := rb.Write([]byte{5, 6, 7, 8, 9}); written != 5 {
		t.Fatalf("Expected to write 5 bytes, got %d", written)
	}

	out := make([]byte, 6)
	read := rb.Read(out)
	expected := []byte{4, 5, 6, 7, 8, 9}
	if read != len(expected) {
		t.Fatalf("Expected to read %d bytes, got %d", len(expected), read)
	}
	for i, b := range expected {
		if out[i] != b {
			t.Errorf("Expected byte %d at index %d, got %d", b, i, out[i])
		}
	}
}

func TestRingBuffer_ReadChunk(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte{1, 2, 3})

	if _, ok := rb.ReadChunk(4); ok {
		t.Error("Expected no chunk while fewer bytes are buffered")
	}

	rb.Write([]byte{4, 5})
	chunk, ok := rb.ReadChunk(4)
	if !ok {
		t.Fatal("Expected a chunk")
	}
	if chunk[0] != 1 || chunk[3] != 4 {
		t.Errorf("Expected chunk [1 2 3 4], got %v", chunk)
	}
	if rb.Available() != 1 {
		t.Errorf("Expected 1 byte left, got %d", rb.Available())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3})
	rb.Clear()

	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after Clear")
	}
	if rb.Space() != 10 {
		t.Errorf("Expected space 10 after Clear, got %d", rb.Space())
	}
}
