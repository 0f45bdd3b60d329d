// Package ledger keeps user credit balances in SQLite. Deductions are
// conditional on the balance so a user can never go negative.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createBalancesTable = `
CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT PRIMARY KEY,
	credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

var (
	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("amount must not be negative")
	// ErrMissingUser is returned when no user ID is given.
	ErrMissingUser = errors.New("user id is required")
)

// SQLiteLedger implements core.CreditLedger on a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// New opens the ledger at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createBalancesTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Balance returns a user's credits. Unknown users have a zero balance.
func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var credits int64

	err := l.db.QueryRowContext(ctx, `SELECT credits FROM balances WHERE user_id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", userID, err)
	}

	return credits, nil
}

// HasSufficientCredits reports whether userID can pay amount.
func (l *SQLiteLedger) HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}

	credits, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}

	return credits >= amount, nil
}

// Deduct subtracts amount when the balance covers it and reports whether it did.
func (l *SQLiteLedger) Deduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}

	if amount == 0 {
		return true, nil
	}

	result, err := l.db.ExecContext(ctx,
		`UPDATE balances SET credits = credits - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND credits >= ?`,
		amount, userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("deduct from %s: %w", userID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deduct from %s: %w", userID, err)
	}

	return affected == 1, nil
}

// Credit adds amount to a user's balance, creating the account if needed.
func (l *SQLiteLedger) Credit(ctx context.Context, userID string, amount int64) error {
	if userID == "" {
		return ErrMissingUser
	}

	if amount < 0 {
		return ErrInvalidAmount
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO balances (user_id, credits) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET credits = credits + excluded.credits, updated_at = CURRENT_TIMESTAMP`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}

	return nil
}

// SetBalance overwrites a user's balance.
func (l *SQLiteLedger) SetBalance(ctx context.Context, userID string, credits int64) error {
	if userID == "" {
		return ErrMissingUser
	}

	if credits < 0 {
		return ErrInvalidAmount
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO balances (user_id, credits) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET credits = excluded.credits, updated_at = CURRENT_TIMESTAMP`,
		userID, credits,
	)
	if err != nil {
		return fmt.Errorf("set balance of %s: %w", userID, err)
	}

	return nil
}

// Close releases the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
