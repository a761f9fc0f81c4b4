package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/scenario"
)

// ScenarioSource resolves scenario names to definitions.
type ScenarioSource interface {
	Scenario(name string) (*models.ScenarioDefinition, error)
}

// Session pairs a call's state with its scenario. mu serializes events for the call.
type Session struct {
	mu       sync.Mutex
	State    *ConversationState
	Scenario *models.ScenarioDefinition
}

// Registry maps call identifiers to live sessions. One Registry is created at start-up
// and shared by every handler.
type Registry struct {
	scenarios ScenarioSource
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry backed by src.
func NewRegistry(src ScenarioSource) *Registry {
	return &Registry{
		scenarios: src,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// GetOrCreate returns the session for callSID, creating it with the named scenario if
// absent. created reports whether a new session was made.
func (r *Registry) GetOrCreate(callSID, scenarioName string) (sess *Session, created bool, err error) {
	r.mu.Lock()
	if s, ok := r.sessions[callSID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	r.mu.Unlock()

	def, err := r.scenarios.Scenario(scenarioName)
	if err != nil {
		if errors.Is(err, scenario.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownScenario, scenarioName)
		}
		return nil, false, fmt.Errorf("failed to load scenario %s: %w", scenarioName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callSID]; ok {
		return s, false, nil
	}
	s := &Session{
		State:    NewConversationState(callSID, def.Name, r.now()),
		Scenario: def,
	}
	r.sessions[callSID] = s
	slog.Debug("Registry.GetOrCreate: session created", "callSID", callSID, "scenario", def.Name)
	return s, true, nil
}

// Get returns the live session for callSID or ErrUnknownCall.
func (r *Registry) Get(callSID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callSID)
	}
	return s, nil
}

// Complete evicts the session and reports whether one was present. Completing an
// absent call is a no-op.
func (r *Registry) Complete(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[callSID]
	delete(r.sessions, callSID)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
