// Package history persists finished generations and derives per-user statistics.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const createGenerationsTable = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	voice_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	output_format TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	seed INTEGER NOT NULL DEFAULT 0,
	characters INTEGER NOT NULL DEFAULT 0,
	credits INTEGER NOT NULL DEFAULT 0,
	duration REAL NOT NULL DEFAULT 0,
	processing_ms INTEGER NOT NULL DEFAULT 0,
	audio_key TEXT NOT NULL DEFAULT '',
	subtitle_key TEXT NOT NULL DEFAULT '',
	chunks TEXT NOT NULL DEFAULT '[]',
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_user ON generations(user_id, created_at);
`

const selectRecordColumns = `SELECT id, request_id, user_id, voice_id, model_id, output_format, language,
	status, seed, characters, credits, duration, processing_ms, audio_key, subtitle_key, chunks, error, created_at
	FROM generations`

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

// timestampLayout has fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrMissingUser is returned when a record has no user.
var ErrMissingUser = errors.New("history record requires a user id")

// Record is one persisted generation. Credits is zero for failed generations.
type Record struct {
	ID             string                `json:"id"`
	RequestID      string                `json:"request_id"`
	UserID         string                `json:"user_id"`
	VoiceID        string                `json:"voice_id"`
	ModelID        string                `json:"model_id"`
	OutputFormat   string                `json:"output_format"`
	Language       string                `json:"language,omitempty"`
	Status         core.GenerationStatus `json:"status"`
	Seed           uint32                `json:"seed"`
	Characters     int                   `json:"characters"`
	Credits        int64                 `json:"credits"`
	Duration       float64               `json:"duration"`
	ProcessingTime time.Duration         `json:"processing_time"`
	AudioKey       string                `json:"audio_key,omitempty"`
	SubtitleKey    string                `json:"subtitle_key,omitempty"`
	Chunks         []core.Chunk          `json:"chunks"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// FromResult builds a record for a finished generation.
func FromResult(req core.GenerationRequest, result *core.GenerationResult, audioKey, subtitleKey string) Record {
	record := Record{
		ID:             "",
		RequestID:      req.ID,
		UserID:         req.UserID,
		VoiceID:        req.VoiceID,
		ModelID:        req.ModelID,
		OutputFormat:   req.OutputFormat,
		Language:       result.Language,
		Status:         result.Status,
		Seed:           result.Seed,
		Characters:     len([]rune(req.Text)),
		Credits:        result.CreditsCharged,
		Duration:       result.Duration,
		ProcessingTime: result.ProcessingTime,
		AudioKey:       audioKey,
		SubtitleKey:    subtitleKey,
		Chunks:         result.Chunks,
		Error:          "",
		CreatedAt:      time.Time{},
	}

	if result.Err != nil {
		record.Error = result.Err.Error()
	}

	if !result.Succeeded() {
		record.Credits = 0
	}

	return record
}

// Stats summarizes a user's history.
type Stats struct {
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Credits      int64   `json:"credits"`
	Characters   int64   `json:"characters"`
	AudioSeconds float64 `json:"audio_seconds"`
	SuccessRate  float64 `json:"success_rate"`
}

// SQLiteRecorder stores history records in SQLite.
type SQLiteRecorder struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the history database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createGenerationsTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	return &SQLiteRecorder{db: db, now: time.Now}, nil
}

// Record persists record, filling its ID and timestamp when empty, and returns
// the stored copy.
func (r *SQLiteRecorder) Record(ctx context.Context, record Record) (Record, error) {
	if record.UserID == "" {
		return Record{}, ErrMissingUser
	}

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now().UTC()
	}

	if record.Status != core.GenerationCompleted {
		record.Credits = 0
	}

	chunks, err := json.Marshal(nonNilChunks(record.Chunks))
	if err != nil {
		return Record{}, fmt.Errorf("encode chunks: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO generations (id, request_id, user_id, voice_id, model_id, output_format, language,
		 status, seed, characters, credits, duration, processing_ms, audio_key, subtitle_key, chunks, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.RequestID, record.UserID, record.VoiceID, record.ModelID, record.OutputFormat,
		record.Language, string(record.Status), int64(record.Seed), record.Characters, record.Credits,
		record.Duration, record.ProcessingTime.Milliseconds(), record.AudioKey, record.SubtitleKey,
		string(chunks), record.Error, record.CreatedAt.Format(timestampLayout),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert history record: %w", err)
	}

	return record, nil
}

// List returns a user's most recent records, newest first.
func (r *SQLiteRecorder) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		selectRecordColumns+` WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan history record: %w", scanErr)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return records, nil
}

// Stats aggregates a user's history.
func (r *SQLiteRecorder) Stats(ctx context.Context, userID string) (Stats, error) {
	var stats Stats

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(credits), 0),
			COALESCE(SUM(characters), 0),
			COALESCE(SUM(duration), 0.0)
		 FROM generations WHERE user_id = ?`,
		string(core.GenerationCompleted), userID,
	).Scan(&stats.Total, &stats.Completed, &stats.Credits, &stats.Characters, &stats.AudioSeconds)
	if err != nil {
		return Stats{}, fmt.Errorf("history stats for %s: %w", userID, err)
	}

	stats.Failed = stats.Total - stats.Completed

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	return stats, nil
}

// Close releases the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record     Record
		status     string
		seed       int64
		processing int64
		chunks     string
		createdAt  string
	)

	err := row.Scan(
		&record.ID, &record.RequestID, &record.UserID, &record.VoiceID, &record.ModelID,
		&record.OutputFormat, &record.Language, &status, &seed, &record.Characters, &record.Credits,
		&record.Duration, &processing, &record.AudioKey, &record.SubtitleKey, &chunks, &record.Error, &createdAt,
	)
	if err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal([]byte(chunks), &record.Chunks); err != nil {
		return Record{}, fmt.Errorf("decode chunks: %w", err)
	}

	record.CreatedAt, err = time.Parse(timestampLayout, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}

	record.Status = core.GenerationStatus(status)
	record.Seed = uint32(seed)
	record.ProcessingTime = time.Duration(processing) * time.Millisecond

	return record, nil
}

func nonNilChunks(chunks []core.Chunk) []core.Chunk {
	if chunks == nil {
		return []core.Chunk{}
	}

	return chunks
}
