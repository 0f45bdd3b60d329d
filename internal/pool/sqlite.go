package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/tts-gateway/internal/core"

	_ "modernc.org/sqlite"
)

const createCredentialsTable = `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	tier TEXT NOT NULL,
	quota INTEGER NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	reserved INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credentials_tier_status ON credentials(tier, status);
`

const selectCredentialColumns = `SELECT id, label, secret, tier, quota, consumed, reserved, priority, status FROM credentials`

// SQLiteStore keeps credentials in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and runs auto-migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}

	// A single connection serializes writers and keeps the conditional update atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCredentialsTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate credential db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// List returns every credential ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]core.Credential, error) {
	rows, err := s.db.QueryContext(ctx, selectCredentialColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []core.Credential

	for rows.Next() {
		credential, scanErr := scanCredential(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan credential: %w", scanErr)
		}

		credentials = append(credentials, credential)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}

	return credentials, nil
}

// Get returns one credential.
func (s *SQLiteStore) Get(ctx context.Context, id string) (core.Credential, error) {
	row := s.db.QueryRowContext(ctx, selectCredentialColumns+` WHERE id = ?`, id)

	credential, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	if err != nil {
		return core.Credential{}, fmt.Errorf("get credential %s: %w", id, err)
	}

	return credential, nil
}

// Insert adds a new credential.
func (s *SQLiteStore) Insert(ctx context.Context, credential core.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, label, secret, tier, quota, consumed, priority, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.ID, credential.Label, credential.Secret, string(credential.Tier),
		credential.Quota, credential.Consumed, credential.Priority, string(credential.Status),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateCredential, credential.ID)
		}

		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

// CompareAndSwapUsage runs a conditional update on both usage counters.
func (s *SQLiteStore) CompareAndSwapUsage(ctx context.Context, id string, previous, next Usage) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET consumed = ?, reserved = ?
		 WHERE id = ? AND consumed = ? AND reserved = ?`,
		next.Consumed, next.Reserved, id, previous.Consumed, previous.Reserved,
	)
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}

	if affected == 1 {
		return true, nil
	}

	// Distinguish a lost race from a missing row.
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return false, getErr
	}

	return false, nil
}

// SetStatus changes a credential's lifecycle state.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status core.CredentialStatus) error {
	return s.execOne(ctx, `UPDATE credentials SET status = ? WHERE id = ?`, id, string(status), id)
}

// ResetConsumed zeroes one credential's consumption.
func (s *SQLiteStore) ResetConsumed(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE credentials SET consumed = 0 WHERE id = ?`, id, id)
}

// ResetAllConsumed zeroes every credential's consumption.
func (s *SQLiteStore) ResetAllConsumed(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET consumed = 0`)
	if err != nil {
		return 0, fmt.Errorf("reset credentials: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset credentials: %w", err)
	}

	return affected, nil
}

// ClearReservations drops every reservation.
func (s *SQLiteStore) ClearReservations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET reserved = 0 WHERE reserved <> 0`)
	if err != nil {
		return 0, fmt.Errorf("clear reservations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear reservations: %w", err)
	}

	return affected, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) execOne(ctx context.Context, query, id string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update credential %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential %s: %w", id, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (core.Credential, error) {
	var (
		credential core.Credential
		tier       string
		status     string
	)

	err := row.Scan(
		&credential.ID, &credential.Label, &credential.Secret, &tier,
		&credential.Quota, &credential.Consumed, &credential.Reserved, &credential.Priority, &status,
	)
	if err != nil {
		return core.Credential{}, err
	}

	credential.Tier = core.Tier(tier)
	credential.Status = core.CredentialStatus(status)

	return credential, nil
}
