package models

import (
	"strings"
	"testing"
)

func TestAPIResponseHelpers(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	if r := Success(map[string]string{"a": "b"}); r.Status != string(APIStatusOK) || r.Result == nil {
		t.Errorf("unexpected success response: %+v", r)
	}
	if r := Queued("placed", "CA1"); r.Status != string(APIStatusQueued) || r.Result != "CA1" {
		t.Errorf("unexpected queued response: %+v", r)
	}
}

func TestGoalMet(t *testing.T) {
	g := Goal{Description: "Schedule an appointment", Cues: []string{"booked", "see you on"}}
	tests := []struct {
		text string
		want bool
	}{
		{"You're BOOKED for Tuesday.", true},
		{"Great, see you on Monday", true},
		{"What day works for you?", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := g.Met(tt.text); got != tt.want {
			t.Errorf("Met(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatchStageFirstMatchWins(t *testing.T) {
	s := &ScenarioDefinition{
		Stages: []Stage{
			{Name: "pharmacy", Keywords: []string{"pharmacy"}, Rule: ResponseRule{Literal: "CVS on Main Street."}},
			{Name: "medication", Keywords: []string{"medication", "pharmacy"}, Rule: ResponseRule{Instruction: "name the medication"}},
		},
	}

	st, ok := s.MatchStage("Which medication and which PHARMACY?")
	if !ok {
		t.Fatal("expected a stage to match")
	}
	if st.Name != "pharmacy" {
		t.Errorf("expected earliest declared stage to win, got %q", st.Name)
	}

	if _, ok := s.MatchStage("How are you today?"); ok {
		t.Error("expected no stage to match")
	}
}

func TestPersonaFact(t *testing.T) {
	p := Persona{Facts: map[FactCategory]string{FactDateOfBirth: "February 17th, 2026", FactPhone: "  "}}
	if v, ok := p.Fact(FactDateOfBirth); !ok || v != "February 17th, 2026" {
		t.Errorf("unexpected dob fact: %q %v", v, ok)
	}
	if _, ok := p.Fact(FactPhone); ok {
		t.Error("blank facts should be treated as absent")
	}
	cats := p.Categories()
	if len(cats) != 2 || cats[0] != FactDateOfBirth {
		t.Errorf("unexpected categories order: %v", cats)
	}
}

func TestConversationText(t *testing.T) {
	tr := &Transcript{
		Turns: []TurnRecord{
			{Speaker: SpeakerAgent, Text: "How can I help?"},
			{Speaker: SpeakerPatient, Text: "I'd like to schedule an appointment."},
		},
	}
	got := tr.ConversationText(TranscriptSourceRealtime)
	want := "Agent: How can I help?\nPatient: I'd like to schedule an appointment."
	if got != want {
		t.Errorf("unexpected realtime text:\n%s", got)
	}

	// Falls back to realtime records when no Whisper transcription exists.
	if !strings.HasPrefix(tr.ConversationText(TranscriptSourceWhisper), "Agent:") {
		t.Error("expected realtime fallback for whisper source")
	}

	tr.Whisper = &WhisperTranscription{FullText: "full audio text"}
	if tr.ConversationText(TranscriptSourceWhisper) != "full audio text" {
		t.Error("expected whisper full text")
	}
}
