// Package scenario loads test scenario definitions from YAML and normalizes them
// into the immutable form consumed by the conversation flow.
package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/PromptCall/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no scenario with the requested name exists.
var ErrNotFound = errors.New("scenario not found")

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Opts holds configuration for a Loader.
type Opts struct {
	Dir        string // directory of <name>.yaml files
	LegacyFile string // single file with a top-level scenarios list
}

// Option configures a Loader.
type Option func(*Opts)

// WithDir sets the scenarios directory.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithLegacyFile sets the path of the combined scenarios file.
func WithLegacyFile(path string) Option {
	return func(o *Opts) { o.LegacyFile = path }
}

// Loader resolves scenario names to definitions. Definitions are cached after the
// first successful load; they never change while the process runs.
type Loader struct {
	dir        string
	legacyFile string

	mu    sync.RWMutex
	cache map[string]*models.ScenarioDefinition
}

// NewLoader creates a Loader. Missing directories are tolerated and simply yield
// no scenarios.
func NewLoader(opts ...Option) *Loader {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{
		dir:        o.Dir,
		legacyFile: o.LegacyFile,
		cache:      make(map[string]*models.ScenarioDefinition),
	}
}

// Scenario returns the named scenario, loading it on first use.
func (l *Loader) Scenario(name string) (*models.ScenarioDefinition, error) {
	l.mu.RLock()
	def, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := l.Load(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	return def, nil
}

// Load reads the named scenario from disk without consulting the cache. The
// per-file directory takes precedence over the legacy file.
func (l *Loader) Load(name string) (*models.ScenarioDefinition, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if l.dir != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(l.dir, name+ext)
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
			}
			return Parse(data, name)
		}
	}

	if l.legacyFile != "" {
		defs, err := l.loadLegacy()
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if def.Name == name {
				return def, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// List returns every scenario available from both sources, sorted by name. A
// scenario present in both is reported once, from the directory.
func (l *Loader) List() ([]*models.ScenarioDefinition, error) {
	byName := make(map[string]*models.ScenarioDefinition)

	if l.legacyFile != "" {
		defs, err := l.loadLegacy()
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			byName[def.Name] = def
		}
	}

	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read scenarios dir %s: %w", l.dir, err)
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ext)
			def, err := l.Load(name)
			if err != nil {
				slog.Warn("Loader.List: skipping invalid scenario", "file", e.Name(), "error", err)
				continue
			}
			byName[def.Name] = def
		}
	}

	out := make([]*models.ScenarioDefinition, 0, len(byName))
	for _, def := range byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Parse decodes a single scenario document. fallbackName is used when the
// document does not declare a name.
func Parse(data []byte, fallbackName string) (*models.ScenarioDefinition, error) {
	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", fallbackName, err)
	}
	return Normalize(raw, fallbackName)
}

func (l *Loader) loadLegacy() ([]*models.ScenarioDefinition, error) {
	data, err := os.ReadFile(l.legacyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios file %s: %w", l.legacyFile, err)
	}

	var doc struct {
		Scenarios []rawScenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios file %s: %w", l.legacyFile, err)
	}

	defs := make([]*models.ScenarioDefinition, 0, len(doc.Scenarios))
	for i, raw := range doc.Scenarios {
		def, err := Normalize(raw, "")
		if err != nil {
			slog.Warn("Loader.loadLegacy: skipping scenario", "index", i, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Info summarizes a definition for transcripts and listings.
func Info(def *models.ScenarioDefinition, turnCount int) *models.ScenarioInfo {
	return &models.ScenarioInfo{
		Name:        def.Name,
		Description: def.Description,
		TestType:    def.TestType,
		TurnCount:   turnCount,
	}
}
