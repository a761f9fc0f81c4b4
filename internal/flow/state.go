package flow

import (
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/google/uuid"
)

// Utterance is one role-tagged entry of the conversation history.
type Utterance struct {
	Role       models.Speaker
	Text       string
	Turn       int
	At         time.Time
	Confidence *float64
}

// ConversationState is the mutable memory of one call. It is only touched while the
// owning Session is locked.
type ConversationState struct {
	CallSID      string
	RunID        string
	ScenarioName string
	TurnCount    int
	History      []Utterance
	Disclosed    map[models.FactCategory]bool
	GoalMet      bool
	Ended        bool
	StartedAt    time.Time
}

// NewConversationState creates an empty state for a call.
func NewConversationState(callSID, scenarioName string, now time.Time) *ConversationState {
	return &ConversationState{
		CallSID:      callSID,
		RunID:        uuid.NewString(),
		ScenarioName: scenarioName,
		Disclosed:    make(map[models.FactCategory]bool),
		StartedAt:    now,
	}
}

// DisclosedFacts returns the disclosed categories in a stable order.
func (s *ConversationState) DisclosedFacts() []models.FactCategory {
	out := make([]models.FactCategory, 0, len(s.Disclosed))
	for c, ok := range s.Disclosed {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HistoryText joins every utterance for goal-cue matching.
func (s *ConversationState) HistoryText() string {
	parts := make([]string, 0, len(s.History))
	for _, u := range s.History {
		parts = append(parts, u.Text)
	}
	return strings.Join(parts, "\n")
}

func (s *ConversationState) append(role models.Speaker, text string, at time.Time, confidence *float64) {
	s.History = append(s.History, Utterance{
		Role:       role,
		Text:       text,
		Turn:       s.TurnCount,
		At:         at,
		Confidence: confidence,
	})
}

// markDisclosed records which persona facts a reply states. A direct answer discloses
// its category; any other reply discloses every fact whose value it contains.
func (s *ConversationState) markDisclosed(persona models.Persona, d Decision, reply string) {
	if d.Outcome == OutcomeDirectAnswer && d.Fact != "" {
		s.Disclosed[d.Fact] = true
		return
	}
	lower := strings.ToLower(reply)
	for _, c := range persona.Categories() {
		if v, ok := persona.Fact(c); ok && strings.Contains(lower, strings.ToLower(v)) {
			s.Disclosed[c] = true
		}
	}
}

// snapshot copies the history so it can be read after the session lock is released.
func (s *ConversationState) snapshot() []Utterance {
	return append([]Utterance(nil), s.History...)
}

// Transcript renders the state as a persisted document.
func (s *ConversationState) Transcript(def *models.ScenarioDefinition, status models.TranscriptStatus) models.Transcript {
	turns := make([]models.TurnRecord, 0, len(s.History))
	for _, u := range s.History {
		turns = append(turns, models.TurnRecord{
			Speaker:    u.Role,
			Text:       u.Text,
			Turn:       u.Turn,
			Timestamp:  u.At,
			Confidence: u.Confidence,
		})
	}
	t := models.Transcript{
		CallSID:      s.CallSID,
		RunID:        s.RunID,
		Timestamp:    s.StartedAt,
		Status:       status,
		ScenarioName: s.ScenarioName,
		TurnCount:    s.TurnCount,
		GoalMet:      s.GoalMet,
		Ended:        s.Ended,
		Turns:        turns,
	}
	if def != nil {
		t.ScenarioInfo = &models.ScenarioInfo{
			Name:        def.Name,
			Description: def.Description,
			TestType:    def.TestType,
			TurnCount:   s.TurnCount,
		}
	}
	return t
}
