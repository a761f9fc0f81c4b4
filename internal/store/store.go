// Package store provides storage backends for PromptCall transcripts.
//
// It includes a flat-file JSON store (the default), SQLite and PostgreSQL stores
// selected by DSN, and an in-memory store for tests.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/PromptCall/internal/models"
)

// DSN types understood by New.
const (
	DSNTypeFile     = "file"
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
)

var (
	// ErrInvalidDSN is returned when a DSN matches no supported backend.
	ErrInvalidDSN = errors.New("unrecognized database DSN")
	// ErrInvalidCallSID is returned for call SIDs that cannot be used as a key.
	ErrInvalidCallSID = errors.New("invalid call SID")
)

var validCallSID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TranscriptStore persists one transcript document per call.
type TranscriptStore interface {
	// Save creates or replaces the transcript for t.CallSID.
	Save(t models.Transcript) error
	// Load returns the transcript, or nil with no error when none exists.
	Load(callSID string) (*models.Transcript, error)
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string // database connection string; empty selects the file store
	Dir string // state directory for the file store
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDir sets the state directory used by the file store.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// DetectDSNType classifies a DSN as file, sqlite or postgres.
func DetectDSNType(dsn string) (string, error) {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case d == "":
		return DSNTypeFile, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres, nil
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DSNTypeSQLite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDSN, dsn)
}

// New opens the transcript store selected by the DSN.
func New(opts ...Option) (TranscriptStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	kind, err := DetectDSNType(cfg.DSN)
	if err != nil {
		return nil, err
	}
	slog.Debug("store.New: selected backend", "type", kind)

	switch kind {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return NewFileStore(opts...)
	}
}

func checkCallSID(callSID string) error {
	if !validCallSID.MatchString(callSID) {
		return fmt.Errorf("%w: %q", ErrInvalidCallSID, callSID)
	}
	return nil
}

// InMemoryStore keeps transcripts in a map. Used in tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]models.Transcript
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]models.Transcript)}
}

// Save implements TranscriptStore.
func (s *InMemoryStore) Save(t models.Transcript) error {
	if err := checkCallSID(t.CallSID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[t.CallSID] = t
	return nil
}

// Load implements TranscriptStore.
func (s *InMemoryStore) Load(callSID string) (*models.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.docs[callSID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Close implements TranscriptStore.
func (s *InMemoryStore) Close() error { return nil }
