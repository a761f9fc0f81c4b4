// This file implements a PostgreSQL-backed transcript store.

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/PromptCall/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps transcript documents in PostgreSQL as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the DSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Save implements TranscriptStore.
func (s *PostgresStore) Save(t models.Transcript) error {
	if err := checkCallSID(t.CallSID); err != nil {
		return err
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript %s: %w", t.CallSID, err)
	}
	query := `
		INSERT INTO transcripts (call_sid, scenario_name, status, turn_count, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_sid)
		DO UPDATE SET
			scenario_name = EXCLUDED.scenario_name,
			status = EXCLUDED.status,
			turn_count = EXCLUDED.turn_count,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.Exec(query, t.CallSID, t.ScenarioName, string(t.Status), t.TurnCount, doc, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore Save failed", "error", err, "callSID", t.CallSID)
		return fmt.Errorf("failed to save transcript %s: %w", t.CallSID, err)
	}
	slog.Debug("PostgresStore Save succeeded", "callSID", t.CallSID, "turns", t.TurnCount)
	return nil
}

// Load implements TranscriptStore.
func (s *PostgresStore) Load(callSID string) (*models.Transcript, error) {
	var doc []byte
	err := s.db.QueryRow(`SELECT document FROM transcripts WHERE call_sid = $1`, callSID).Scan(&doc)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore Load not found", "callSID", callSID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Load failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to load transcript %s: %w", callSID, err)
	}
	var t models.Transcript
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", callSID, err)
	}
	return &t, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
