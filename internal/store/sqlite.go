// This file implements an SQLite-backed transcript store.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/PromptCall/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps transcript documents in an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := strings.TrimPrefix(dsn, "file:"); !strings.HasPrefix(path, ":memory:") {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Save implements TranscriptStore.
func (s *SQLiteStore) Save(t models.Transcript) error {
	if err := checkCallSID(t.CallSID); err != nil {
		return err
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript %s: %w", t.CallSID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO transcripts (call_sid, scenario_name, status, turn_count, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.CallSID, t.ScenarioName, string(t.Status), t.TurnCount, string(doc), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore Save failed", "error", err, "callSID", t.CallSID)
		return fmt.Errorf("failed to save transcript %s: %w", t.CallSID, err)
	}
	slog.Debug("SQLiteStore Save succeeded", "callSID", t.CallSID, "turns", t.TurnCount)
	return nil
}

// Load implements TranscriptStore.
func (s *SQLiteStore) Load(callSID string) (*models.Transcript, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM transcripts WHERE call_sid = ?`, callSID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Load failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to load transcript %s: %w", callSID, err)
	}
	var t models.Transcript
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", callSID, err)
	}
	return &t, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
