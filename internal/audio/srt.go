package audio

import (
	"fmt"
	"math"
	"strings"

	"github.com/book-expert/tts-gateway/internal/core"
)

const (
	srtTimestampFormat = "%02d:%02d:%02d,%03d"
	srtCueFormat       = "%d\n%s --> %s\n%s\n\n"
	millisPerSecond    = 1000
	millisPerMinute    = 60 * millisPerSecond
	millisPerHour      = 60 * millisPerMinute
)

// FormatSRT renders chunk timings as a SubRip subtitle document. Cues are
// numbered from one in the order given.
func FormatSRT(chunks []core.Chunk) string {
	var builder strings.Builder

	for index, chunk := range chunks {
		fmt.Fprintf(&builder, srtCueFormat,
			index+1,
			srtTimestamp(chunk.StartTime),
			srtTimestamp(chunk.EndTime),
			chunk.Text,
		)
	}

	return builder.String()
}

func srtTimestamp(seconds float64) string {
	total := int64(math.Round(max(0, seconds) * millisPerSecond))

	hours := total / millisPerHour
	minutes := (total % millisPerHour) / millisPerMinute
	secs := (total % millisPerMinute) / millisPerSecond
	millis := total % millisPerSecond

	return fmt.Sprintf(srtTimestampFormat, hours, minutes, secs, millis)
}
