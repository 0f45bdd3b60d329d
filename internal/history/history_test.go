package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) *history.SQLiteRecorder {
	t.Helper()

	recorder, err := history.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = recorder.Close()
	})

	return recorder
}

func generationRequest(id string) core.GenerationRequest {
	return core.GenerationRequest{
		ID:            id,
		UserID:        "user-1",
		VoiceID:       "voice-1",
		Text:          "Xin chào thế giới.",
		ModelID:       "eleven_flash_v2_5",
		OutputFormat:  "mp3_44100_128",
		Language:      "vi",
		VoiceLanguage: "",
		Settings:      nil,
		Seed:          nil,
		Tier:          core.TierRegular,
	}
}

func completedResult(id string) *core.GenerationResult {
	return &core.GenerationResult{
		RequestID:    id,
		Status:       core.GenerationCompleted,
		Audio:        []byte("ID3"),
		OutputFormat: "mp3_44100_128",
		Language:     "vi",
		Seed:         4242,
		Settings:     core.DefaultVoiceSettings(),
		Duration:     1.5,
		Chunks: []core.Chunk{
			{Sequence: 1, Text: "Xin chào thế giới.", Seed: 4242, Credits: 9, StartTime: 0, EndTime: 1.5},
		},
		CreditsCharged: 9,
		ProcessingTime: 1200 * time.Millisecond,
		Err:            nil,
	}
}

func failedResult(id string) *core.GenerationResult {
	return &core.GenerationResult{
		RequestID:      id,
		Status:         core.GenerationFailed,
		Audio:          nil,
		OutputFormat:   "mp3_44100_128",
		Language:       "",
		Seed:           0,
		Settings:       core.VoiceSettings{},
		Duration:       0,
		Chunks:         nil,
		CreditsCharged: 7,
		ProcessingTime: time.Second,
		Err:            errors.New("provider down"),
	}
}

func TestFromResultZeroesCreditsOnFailure(t *testing.T) {
	t.Parallel()

	record := history.FromResult(generationRequest("r1"), failedResult("r1"), "", "")

	assert.Equal(t, core.GenerationFailed, record.Status)
	assert.Zero(t, record.Credits)
	assert.Equal(t, "provider down", record.Error)
	assert.Equal(t, 18, record.Characters)
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	recorder := newRecorder(t)
	ctx := context.Background()

	first := history.FromResult(generationRequest("r1"), completedResult("r1"), "audio/r1.mp3", "audio/r1.srt")
	first.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 100_000_000, time.UTC)

	stored, err := recorder.Record(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	second := history.FromResult(generationRequest("r2"), failedResult("r2"), "", "")
	second.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 120_000_000, time.UTC)

	_, err = recorder.Record(ctx, second)
	require.NoError(t, err)

	records, err := recorder.List(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "r2", records[0].RequestID)
	assert.Equal(t, "r1", records[1].RequestID)

	got := records[1]
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, uint32(4242), got.Seed)
	assert.Equal(t, int64(9), got.Credits)
	assert.Equal(t, "audio/r1.srt", got.SubtitleKey)
	assert.Equal(t, 1200*time.Millisecond, got.ProcessingTime)
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Chunks, 1)
	assert.InDelta(t, 1.5, got.Chunks[0].EndTime, 1e-9)

	assert.Empty(t, records[0].Chunks)
	assert.Zero(t, records[0].Credits)
}

func TestRecordForcesZeroCreditsOnFailure(t *testing.T) {
	t.Parallel()

	recorder := newRecorder(t)

	record := history.FromResult(generationRequest("r1"), failedResult("r1"), "", "")
	record.Credits = 50

	stored, err := recorder.Record(context.Background(), record)
	require.NoError(t, err)
	assert.Zero(t, stored.Credits)
}

func TestRecordRequiresUser(t *testing.T) {
	t.Parallel()

	recorder := newRecorder(t)
	req := generationRequest("r1")
	req.UserID = ""

	_, err := recorder.Record(context.Background(), history.FromResult(req, completedResult("r1"), "", ""))
	require.ErrorIs(t, err, history.ErrMissingUser)
}

func TestStats(t *testing.T) {
	t.Parallel()

	recorder := newRecorder(t)
	ctx := context.Background()

	empty, err := recorder.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)

	for _, id := range []string{"a", "b", "c"} {
		_, err := recorder.Record(ctx, history.FromResult(generationRequest(id), completedResult(id), "", ""))
		require.NoError(t, err)
	}

	_, err = recorder.Record(ctx, history.FromResult(generationRequest("d"), failedResult("d"), "", ""))
	require.NoError(t, err)

	stats, err := recorder.Stats(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int64(27), stats.Credits)
	assert.Equal(t, int64(72), stats.Characters)
	assert.InDelta(t, 4.5, stats.AudioSeconds, 1e-9)
	assert.InDelta(t, 75.0, stats.SuccessRate, 1e-9)

	other, err := recorder.Stats(ctx, "user-2")
	require.NoError(t, err)
	assert.Zero(t, other.Total)
}
