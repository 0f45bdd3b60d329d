package audio

import (
	"github.com/book-expert/tts-gateway/internal/core"
)

// Estimation rates in KiB of payload per second of audio.
const (
	compressedKiBPerSecond = 16.0
	rawKiBPerSecond        = 1400.0
	bytesPerKiB            = 1024.0

	// MinDuration is the shortest duration ever reported for a part.
	MinDuration = 0.5
)

// EstimateDuration approximates the playing time in seconds of a payload of
// size bytes. Unknown formats are estimated as compressed audio.
func EstimateDuration(size int, format string) float64 {
	rate := compressedKiBPerSecond

	container, err := ContainerOf(format)
	if err == nil && container == ContainerRaw {
		rate = rawKiBPerSecond
	}

	return max(MinDuration, float64(size)/bytesPerKiB/rate)
}

// Timeline places consecutive chunks on a cumulative time axis.
type Timeline struct {
	chunks []core.Chunk
	cursor float64
}

// NewTimeline creates an empty timeline.
func NewTimeline(capacity int) *Timeline {
	return &Timeline{
		chunks: make([]core.Chunk, 0, capacity),
		cursor: 0,
	}
}

// Append places chunk directly after the previous one and returns it with its
// start and end times filled in.
func (t *Timeline) Append(chunk core.Chunk, duration float64) core.Chunk {
	chunk.StartTime = t.cursor
	chunk.EndTime = t.cursor + duration
	t.cursor = chunk.EndTime
	t.chunks = append(t.chunks, chunk)

	return chunk
}

// Chunks returns the placed chunks in order.
func (t *Timeline) Chunks() []core.Chunk {
	return t.chunks
}

// Total returns the end time of the last chunk.
func (t *Timeline) Total() float64 {
	return t.cursor
}
