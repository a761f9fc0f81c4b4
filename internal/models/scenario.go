package models

import (
	"sort"
	"strings"
)

// FactCategory names one kind of persona fact the simulated patient can disclose.
type FactCategory string

const (
	// FactName is the patient's name as spoken on the call.
	FactName FactCategory = "name"
	// FactDateOfBirth is the patient's date of birth as spoken on the call.
	FactDateOfBirth FactCategory = "date_of_birth"
	// FactPhone is the callback number on file.
	FactPhone FactCategory = "phone"
	// FactMedication is the medication the patient is asking about.
	FactMedication FactCategory = "medication_name"
)

// TestType classifies a scenario for reporting.
type TestType string

const (
	// TestTypeStandard is a happy-path scenario.
	TestTypeStandard TestType = "standard"
	// TestTypeEdgeCase is a scenario that probes unusual patient behavior.
	TestTypeEdgeCase TestType = "edge_case"
)

// Persona holds the fixed facts about the simulated patient.
type Persona struct {
	Name       string                  `json:"name"`
	CallerName string                  `json:"caller_name,omitempty"` // who the patient really is when Name is a claimed identity
	Background string                  `json:"background,omitempty"`
	Facts      map[FactCategory]string `json:"facts"`
}

// Fact returns the literal value stored for a category.
func (p Persona) Fact(category FactCategory) (string, bool) {
	v, ok := p.Facts[category]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Categories returns the persona's fact categories in a stable order.
func (p Persona) Categories() []FactCategory {
	out := make([]FactCategory, 0, len(p.Facts))
	for c := range p.Facts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Goal describes what the patient is trying to accomplish and how to tell it happened.
type Goal struct {
	Description string   `json:"description"`
	Cues        []string `json:"cues"` // lower-case phrases matched against transcript text
}

// Met reports whether any goal cue appears in text (case-insensitive).
func (g Goal) Met(text string) bool {
	lower := strings.ToLower(text)
	for _, cue := range g.Cues {
		if cue != "" && strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// ResponseRule is what the patient does when a stage fires: say a fixed line or
// follow an instruction passed to the generator.
type ResponseRule struct {
	Literal     string `json:"literal,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// IsLiteral reports whether the rule is a fixed utterance.
func (r ResponseRule) IsLiteral() bool {
	return r.Literal != ""
}

// Stage maps trigger keywords in the agent's utterance to a response rule.
type Stage struct {
	Name     string       `json:"name"`
	Keywords []string     `json:"keywords"` // lower-case; any substring match fires the stage
	Rule     ResponseRule `json:"rule"`
}

// Matches reports whether the agent utterance contains any of the stage keywords.
func (s Stage) Matches(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, kw := range s.Keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ScenarioDefinition is one normalized, immutable test case.
type ScenarioDefinition struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	TestType        TestType       `json:"test_type"`
	Persona         Persona        `json:"persona"`
	Goal            Goal           `json:"goal"`
	Stages          []Stage        `json:"stages"`
	RestrictedFacts []FactCategory `json:"anti_repetition"`
	Behavior        string         `json:"behavior,omitempty"` // free-text rules rendered into the system prompt
}

// MatchStage returns the first stage, in declaration order, whose keywords match.
func (s *ScenarioDefinition) MatchStage(utterance string) (Stage, bool) {
	for _, st := range s.Stages {
		if st.Matches(utterance) {
			return st, true
		}
	}
	return Stage{}, false
}

// IsRestricted reports whether a fact category is under anti-repetition.
func (s *ScenarioDefinition) IsRestricted(category FactCategory) bool {
	for _, c := range s.RestrictedFacts {
		if c == category {
			return true
		}
	}
	return false
}

// ScenarioInfo is the scenario metadata embedded in transcripts.
type ScenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TestType    TestType `json:"test_type"`
	TurnCount   int      `json:"turn_count"`
}
