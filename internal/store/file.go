package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/PromptCall/internal/models"
)

// Constants for file store configuration
const (
	// DefaultDirPermissions defines the default permissions for state directories
	DefaultDirPermissions = 0755
	// transcriptsSubdir holds one <CallSid>.json per call under the state directory
	transcriptsSubdir = "transcripts"
)

// FileStore writes each transcript as an indented JSON file. Writes go to a temp file
// that is renamed into place, so a crash never leaves a half-written transcript.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store under <Dir>/transcripts.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	dir := filepath.Join(cfg.Dir, transcriptsSubdir)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("FileStore: failed to create transcripts directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}
	slog.Debug("FileStore: transcripts directory ready", "dir", dir)
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory transcripts are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(callSID string) string {
	return filepath.Join(s.dir, callSID+".json")
}

// Save implements TranscriptStore.
func (s *FileStore) Save(t models.Transcript) error {
	if err := checkCallSID(t.CallSID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transcript %s: %w", t.CallSID, err)
	}

	tmp, err := os.CreateTemp(s.dir, t.CallSID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", t.CallSID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write transcript %s: %w", t.CallSID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close transcript %s: %w", t.CallSID, err)
	}
	if err := os.Rename(tmpName, s.path(t.CallSID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move transcript %s into place: %w", t.CallSID, err)
	}
	slog.Debug("FileStore.Save: transcript written", "callSID", t.CallSID, "turns", len(t.Turns), "status", t.Status)
	return nil
}

// Load implements TranscriptStore.
func (s *FileStore) Load(callSID string) (*models.Transcript, error) {
	if err := checkCallSID(callSID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(callSID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript %s: %w", callSID, err)
	}
	var t models.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", callSID, err)
	}
	return &t, nil
}

// Close implements TranscriptStore.
func (s *FileStore) Close() error { return nil }
