// Package audio assembles per-chunk provider payloads into one artifact and
// derives the timing information used for subtitles and history display.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Container is the family an output format belongs to.
type Container string

// Supported containers.
const (
	ContainerCompressed Container = "mp3"
	ContainerRaw        Container = "pcm"
)

const (
	compressedPrefix = "mp3_"
	rawPrefix        = "pcm_"
	formatSeparator  = "_"
)

const errFmtUnsupportedFormat = "%w: %q"

// ErrUnsupportedFormat is returned for output formats outside the supported containers.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// ContainerOf classifies an output format such as "mp3_44100_128" or "pcm_16000".
func ContainerOf(format string) (Container, error) {
	switch {
	case strings.HasPrefix(format, compressedPrefix):
		return ContainerCompressed, nil
	case strings.HasPrefix(format, rawPrefix):
		return ContainerRaw, nil
	default:
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, format)
	}
}

// Extension returns the file extension, without the dot, for a format.
func Extension(format string) string {
	container, err := ContainerOf(format)
	if err != nil {
		codec, _, _ := strings.Cut(format, formatSeparator)

		return codec
	}

	return string(container)
}
