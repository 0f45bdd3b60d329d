package audio

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	invalidCharReplacement = "_"
	maxNamePartLength      = 30
	outputTimestampLayout  = "2006-01-02_15-04-05"
	outputFilenameFormat   = "%s_%s_%s.%s"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

var filenameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
)

// SanitizeFilename replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	return filenameReplacer.Replace(filename)
}

// OutputFilename builds the artifact name for a generation, for example
// "Rachel_Hello_world_2024-05-01_10-30-00.mp3".
func OutputFilename(voiceName, text string, createdAt time.Time, format string) string {
	return fmt.Sprintf(outputFilenameFormat,
		cleanNamePart(voiceName),
		cleanNamePart(text),
		createdAt.Format(outputTimestampLayout),
		Extension(format),
	)
}

// cleanNamePart keeps the first characters of value that are safe in a file
// name on every platform.
func cleanNamePart(value string) string {
	runes := []rune(value)
	if len(runes) > maxNamePartLength {
		runes = runes[:maxNamePartLength]
	}

	return unsafeNameChars.ReplaceAllString(string(runes), invalidCharReplacement)
}

// FormatDuration formats seconds for display (e.g. "1h 15m", "5m 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a byte count for display (e.g. "1.2 GB", "500.5 MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}
