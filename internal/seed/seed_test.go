package seed_test

import (
	"hash/crc32"
	"math"
	"strings"
	"testing"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_IsDeterministic(t *testing.T) {
	t.Parallel()

	first := seed.Derive("voice-1", "eleven_flash_v2_5", "Hello there.", 0.5, 0.75, 0.0)
	second := seed.Derive("voice-1", "eleven_flash_v2_5", "Hello there.", 0.5, 0.75, 0.0)

	assert.Equal(t, first, second)
}

func TestDerive_MatchesChecksumOfComponents(t *testing.T) {
	t.Parallel()

	expected := crc32.ChecksumIEEE([]byte("voice-1_eleven_flash_v2_5_Hello_s0.50_sim0.75_sty0.00"))

	assert.Equal(t, expected, seed.Derive("voice-1", "eleven_flash_v2_5", "Hello", 0.5, 0.75, 0))
}

func TestDerive_ChangesWithEachComponent(t *testing.T) {
	t.Parallel()

	base := seed.Derive("voice-1", "model-a", "Some text", 0.5, 0.75, 0.1)

	variants := map[string]uint32{
		"voice":      seed.Derive("voice-2", "model-a", "Some text", 0.5, 0.75, 0.1),
		"model":      seed.Derive("voice-1", "model-b", "Some text", 0.5, 0.75, 0.1),
		"text":       seed.Derive("voice-1", "model-a", "Other text", 0.5, 0.75, 0.1),
		"stability":  seed.Derive("voice-1", "model-a", "Some text", 0.6, 0.75, 0.1),
		"similarity": seed.Derive("voice-1", "model-a", "Some text", 0.5, 0.80, 0.1),
		"style":      seed.Derive("voice-1", "model-a", "Some text", 0.5, 0.75, 0.2),
	}

	for name, value := range variants {
		assert.NotEqual(t, base, value, "changing %s should change the seed", name)
	}
}

func TestDerive_OnlyUsesTextPrefix(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("a", seed.PrefixLength)

	assert.Equal(t,
		seed.Derive("v", "m", prefix+" tail one", 0.5, 0.75, 0),
		seed.Derive("v", "m", prefix+" tail two", 0.5, 0.75, 0),
	)
}

func TestForRequest_ExplicitSeedWins(t *testing.T) {
	t.Parallel()

	explicit := uint32(42)
	req := core.GenerationRequest{
		ID:            "",
		UserID:        "",
		VoiceID:       "voice",
		Text:          "text",
		ModelID:       "model",
		OutputFormat:  "mp3_44100_128",
		Language:      "",
		VoiceLanguage: "",
		Settings:      nil,
		Seed:          &explicit,
		Tier:          core.TierRegular,
	}

	assert.Equal(t, uint32(42), seed.ForRequest(req, core.DefaultVoiceSettings()))

	req.Seed = nil
	settings := core.DefaultVoiceSettings()

	assert.Equal(t,
		seed.Derive("voice", "model", "text", settings.Stability, settings.SimilarityBoost, settings.Style),
		seed.ForRequest(req, settings),
	)
}

func TestForChunk_StrictlyIncreasing(t *testing.T) {
	t.Parallel()

	base := uint32(1000)
	seen := make(map[uint32]struct{})

	for index := range 10 {
		chunkSeed := seed.ForChunk(base, index)
		require.Equal(t, base+uint32(index), chunkSeed)

		_, duplicate := seen[chunkSeed]
		require.False(t, duplicate)

		seen[chunkSeed] = struct{}{}
	}
}

func TestFit_KeepsChunkSeedsFromWrapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		base   uint32
		chunks int
		want   uint32
	}{
		{name: "small base untouched", base: 1000, chunks: 5, want: 1000},
		{name: "single chunk at maximum", base: math.MaxUint32, chunks: 1, want: math.MaxUint32},
		{name: "two chunks at maximum", base: math.MaxUint32, chunks: 2, want: math.MaxUint32 - 1},
		{name: "exact fit", base: math.MaxUint32 - 3, chunks: 4, want: math.MaxUint32 - 3},
		{name: "one past fit", base: math.MaxUint32 - 2, chunks: 4, want: math.MaxUint32 - 3},
		{name: "no chunks", base: math.MaxUint32, chunks: 0, want: math.MaxUint32},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			base := seed.Fit(tc.base, tc.chunks)
			assert.Equal(t, tc.want, base)

			for index := 1; index < tc.chunks; index++ {
				assert.Greater(t, seed.ForChunk(base, index), seed.ForChunk(base, index-1))
			}
		})
	}
}

func TestNormalizeSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    core.VoiceSettings
		expected core.VoiceSettings
	}{
		{
			name:     "raises low values and caps style",
			input:    core.VoiceSettings{Stability: 0.2, SimilarityBoost: 0.3, Style: 0.9, UseSpeakerBoost: false},
			expected: core.VoiceSettings{Stability: 0.6, SimilarityBoost: 0.75, Style: 0.2, UseSpeakerBoost: true},
		},
		{
			name:     "keeps values inside policy",
			input:    core.VoiceSettings{Stability: 0.9, SimilarityBoost: 0.95, Style: 0.1, UseSpeakerBoost: true},
			expected: core.VoiceSettings{Stability: 0.9, SimilarityBoost: 0.95, Style: 0.1, UseSpeakerBoost: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, seed.NormalizeSettings(tc.input))
		})
	}
}
