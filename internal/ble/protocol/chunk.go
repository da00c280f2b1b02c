// Package protocol holds the framing rules for payloads written to a BLE
// characteristic.
package protocol

// DefaultChunkSize is the usable payload of one ATT write at the default
// 23-byte MTU (23 - 3 bytes of opcode and handle).
const DefaultChunkSize = 20

// ChunkCount returns how many transmission units a payload of n bytes needs.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// SplitBytes splits payload into ordered chunks of at most size bytes.
// Concatenating the chunks reproduces payload exactly. Each chunk is a copy,
// so later changes to payload do not affect queued writes. Returns nil for an
// empty payload or a non-positive size.
func SplitBytes(payload []byte, size int) [][]byte {
	n := ChunkCount(len(payload), size)
	if n == 0 {
		return nil
	}
	chunks := make([][]byte, 0, n)
	for len(payload) > 0 {
		end := size
		if len(payload) < end {
			end = len(payload)
		}
		chunk := make([]byte, end)
		copy(chunk, payload[:end])
		chunks = append(chunks, chunk)
		payload = payload[end:]
	}
	return chunks
}
