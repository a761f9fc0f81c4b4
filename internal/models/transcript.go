package models

import (
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	// SpeakerAgent is the voice agent under test.
	SpeakerAgent Speaker = "agent"
	// SpeakerPatient is the simulated patient.
	SpeakerPatient Speaker = "patient"
)

// TranscriptStatus tracks whether a call is still in flight.
type TranscriptStatus string

const (
	// TranscriptStatusInProgress marks a transcript flushed mid-call.
	TranscriptStatusInProgress TranscriptStatus = "in_progress"
	// TranscriptStatusCompleted marks the final transcript written on call completion.
	TranscriptStatusCompleted TranscriptStatus = "completed"
)

// TranscriptSource selects which text a transcript is rendered from.
type TranscriptSource string

const (
	// TranscriptSourceRealtime renders the turn-by-turn records captured from live STT.
	TranscriptSourceRealtime TranscriptSource = "realtime"
	// TranscriptSourceWhisper renders the post-call Whisper transcription.
	TranscriptSourceWhisper TranscriptSource = "whisper"
)

// TurnRecord is one utterance as persisted in the transcript.
type TurnRecord struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Turn       int       `json:"turn"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// WhisperSegment is one timed segment of a Whisper transcription.
type WhisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// WhisperTranscription is the post-call transcription of the full recording.
type WhisperTranscription struct {
	FullText      string           `json:"full_text"`
	Duration      float64          `json:"duration"`
	Segments      []WhisperSegment `json:"segments"`
	Language      string           `json:"language"`
	TranscribedAt time.Time        `json:"transcribed_at"`
}

// Transcript is the persisted record of one test call.
type Transcript struct {
	CallSID         string                `json:"call_sid"`
	RunID           string                `json:"run_id,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
	Status          TranscriptStatus      `json:"status"`
	ScenarioName    string                `json:"scenario_name"`
	ScenarioInfo    *ScenarioInfo         `json:"scenario_info,omitempty"`
	TurnCount       int                   `json:"turn_count"`
	GoalMet         bool                  `json:"goal_met"`
	Ended           bool                  `json:"ended"`
	Turns           []TurnRecord          `json:"transcript"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	DurationSeconds int                   `json:"duration_seconds,omitempty"`
	Whisper         *WhisperTranscription `json:"whisper_transcription,omitempty"`
}

// ConversationText renders the transcript as plain "Speaker: text" lines, or the
// Whisper full text when requested and available.
func (t *Transcript) ConversationText(source TranscriptSource) string {
	if source == TranscriptSourceWhisper && t.Whisper != nil {
		return t.Whisper.FullText
	}
	lines := make([]string, 0, len(t.Turns))
	for _, turn := range t.Turns {
		lines = append(lines, fmt.Sprintf("%s: %s", capitalize(string(turn.Speaker)), turn.Text))
	}
	return strings.Join(lines, "\n")
}

func capitalize(s string) string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
