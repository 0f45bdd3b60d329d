package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/book-expert/tts-gateway/internal/ledger"
	"github.com/book-expert/tts-gateway/internal/pool"
)

const errFmtOpenStore = "open %s database: %w"

func ensureDir(dbPath string) error {
	return os.MkdirAll(filepath.Dir(dbPath), 0o750)
}

func (a *app) openPool() (*pool.Pool, *pool.SQLiteStore, error) {
	if err := ensureDir(a.cfg.Pool.DatabasePath); err != nil {
		return nil, nil, fmt.Errorf(errFmtOpenStore, "pool", err)
	}

	store, err := pool.NewSQLiteStore(a.cfg.Pool.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf(errFmtOpenStore, "pool", err)
	}

	options := pool.DefaultOptions()
	options.SafetyBuffer = a.cfg.Generation.CreditBuffer

	return pool.New(store, options, a.log), store, nil
}

func (a *app) openLedger() (*ledger.SQLiteLedger, error) {
	if err := ensureDir(a.cfg.Ledger.DatabasePath); err != nil {
		return nil, fmt.Errorf(errFmtOpenStore, "ledger", err)
	}

	credits, err := ledger.New(a.cfg.Ledger.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf(errFmtOpenStore, "ledger", err)
	}

	return credits, nil
}

func (a *app) openHistory() (*history.SQLiteRecorder, error) {
	if err := ensureDir(a.cfg.History.DatabasePath); err != nil {
		return nil, fmt.Errorf(errFmtOpenStore, "history", err)
	}

	recorder, err := history.New(a.cfg.History.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf(errFmtOpenStore, "history", err)
	}

	return recorder, nil
}
