package protocol

import (
	"bytes"
	"testing"
)

const testChunkSize = 20

func TestSplitBytesFitsInOne(t *testing.T) {
	payload := []byte("hello world")
	chunks := SplitBytes(payload, testChunkSize)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !bytes.Equal(chunks[0], payload) {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], payload)
	}
}

func TestSplitBytesEmpty(t *testing.T) {
	if chunks := SplitBytes(nil, testChunkSize); chunks != nil {
		t.Errorf("SplitBytes(nil) = %v, want nil", chunks)
	}
	if chunks := SplitBytes([]byte{}, testChunkSize); chunks != nil {
		t.Errorf("SplitBytes(empty) = %v, want nil", chunks)
	}
}

func TestSplitBytesZeroSize(t *testing.T) {
	if chunks := SplitBytes([]byte("hello"), 0); chunks != nil {
		t.Errorf("SplitBytes with size=0 should return nil, got %v", chunks)
	}
}

func TestSplitBytesExactFit(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, testChunkSize)
	chunks := SplitBytes(payload, testChunkSize)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestSplitBytesOneByteOver(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, testChunkSize+1)
	chunks := SplitBytes(payload, testChunkSize)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[1]) != 1 {
		t.Errorf("last chunk len = %d, want 1", len(chunks[1]))
	}
}

func TestSplitBytesReassembles(t *testing.T) {
	for _, n := range []int{1, 19, 20, 21, 39, 40, 41, 100, 257} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		chunks := SplitBytes(payload, testChunkSize)

		want := (n + testChunkSize - 1) / testChunkSize
		if len(chunks) != want {
			t.Errorf("n=%d: got %d chunks, want %d", n, len(chunks), want)
		}
		for i, c := range chunks {
			if len(c) > testChunkSize {
				t.Errorf("n=%d: chunk[%d] len=%d exceeds %d", n, i, len(c), testChunkSize)
			}
		}
		if got := bytes.Join(chunks, nil); !bytes.Equal(got, payload) {
			t.Errorf("n=%d: reassembled payload differs", n)
		}
	}
}

func TestSplitBytesCopiesPayload(t *testing.T) {
	payload := []byte("abcdef")
	chunks := SplitBytes(payload, 4)
	payload[0] = 'X'
	if chunks[0][0] != 'a' {
		t.Errorf("chunk[0][0] = %q, want 'a' (chunks must not alias payload)", chunks[0][0])
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		n, size, want int
	}{
		{0, 20, 0},
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{60, 20, 3},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.n, tt.size); got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.n, tt.size, got, tt.want)
		}
	}
}
