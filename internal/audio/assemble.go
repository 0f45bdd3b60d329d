package audio

import (
	"bytes"
	"fmt"
)

const (
	// HeaderSkip is the number of leading bytes dropped from every compressed
	// part after the first. It approximates a frame header and is not parsed.
	HeaderSkip = 32

	// MinHeaderPartSize is the size at or below which a part is assumed to
	// carry no header and is appended whole.
	MinHeaderPartSize = 100
)

// Assemble joins per-chunk payloads in order into one artifact.
// A single part is returned unchanged. Raw parts are concatenated byte for
// byte; compressed parts after the first lose HeaderSkip bytes when they are
// long enough to carry a header.
func Assemble(parts [][]byte, format string) ([]byte, error) {
	container, err := ContainerOf(format)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}

	var buffer bytes.Buffer

	buffer.Grow(totalSize(parts))

	for index, part := range parts {
		if index > 0 && container == ContainerCompressed && len(part) > MinHeaderPartSize {
			part = part[HeaderSkip:]
		}

		buffer.Write(part)
	}

	return buffer.Bytes(), nil
}

func totalSize(parts [][]byte) int {
	size := 0
	for _, part := range parts {
		size += len(part)
	}

	return size
}
