package ble

// fallbackChunkSize is used when the MTU cannot be read from the link. 20 bytes
// is the ATT payload of the minimum BLE MTU of 23.
const fallbackChunkSize = 20

// splitChunks slices p into consecutive pieces of at most size bytes. The pieces
// alias p, so callers must not retain them past the write.
func splitChunks(p []byte, size int) [][]byte {
	if size <= 0 {
		size = fallbackChunkSize
	}

	chunks := make([][]byte, 0, (len(p)+size-1)/size)
	for len(p) > size {
		chunks = append(chunks, p[:size])
		p = p[size:]
	}

	if len(p) > 0 {
		chunks = append(chunks, p)
	}

	return chunks
}
