// Package seed derives reproducible provider seeds from the immutable parts of a
// generation request.
//
// The hash is a CRC-32 checksum. It exists for reproducibility only and has no
// cryptographic properties.
package seed

import (
	"fmt"
	"hash/crc32"
	"math"
	"strings"

	"github.com/book-expert/tts-gateway/internal/core"
)

const (
	// PrefixLength is the number of leading text characters mixed into the seed.
	PrefixLength = 100

	// modulus keeps derived seeds strictly below the uint32 maximum.
	modulus = 4294967295

	componentSeparator = "_"
)

// Settings normalization policy.
const (
	MinStability       = 0.6
	MinSimilarityBoost = 0.75
	MaxStyle           = 0.2
)

// Derive computes the base seed for a request. Identical inputs always give
// the same seed.
func Derive(voiceID, modelID, text string, stability, similarity, style float64) uint32 {
	components := []string{
		voiceID,
		modelID,
		textPrefix(text),
		fmt.Sprintf("s%.2f", stability),
		fmt.Sprintf("sim%.2f", similarity),
		fmt.Sprintf("sty%.2f", style),
	}

	checksum := crc32.ChecksumIEEE([]byte(strings.Join(components, componentSeparator)))

	return uint32(uint64(checksum) % modulus)
}

// ForRequest returns the caller's explicit seed when present, otherwise the
// derived one. Derivation uses the caller's raw settings so that normalization
// policy changes do not move existing seeds.
func ForRequest(req core.GenerationRequest, settings core.VoiceSettings) uint32 {
	if req.Seed != nil {
		return *req.Seed
	}

	return Derive(
		req.VoiceID,
		req.ModelID,
		req.Text,
		settings.Stability,
		settings.SimilarityBoost,
		settings.Style,
	)
}

// ForChunk offsets the base seed by the chunk's zero-based index.
func ForChunk(base uint32, index int) uint32 {
	return base + uint32(index)
}

// Fit lowers base just enough that the seeds of chunks consecutive chunks stay
// strictly increasing instead of wrapping past the uint32 maximum.
func Fit(base uint32, chunks int) uint32 {
	if chunks <= 1 {
		return base
	}

	return min(base, math.MaxUint32-uint32(chunks-1))
}

// NormalizeSettings applies the consistency policy: stability and similarity
// are floored, style is capped and speaker boost is always on.
func NormalizeSettings(settings core.VoiceSettings) core.VoiceSettings {
	return core.VoiceSettings{
		Stability:       max(MinStability, settings.Stability),
		SimilarityBoost: max(MinSimilarityBoost, settings.SimilarityBoost),
		Style:           min(MaxStyle, settings.Style),
		UseSpeakerBoost: true,
	}
}

func textPrefix(text string) string {
	runes := []rune(text)
	if len(runes) <= PrefixLength {
		return text
	}

	return string(runes[:PrefixLength])
}
