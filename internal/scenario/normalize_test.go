package scenario

import (
	"testing"

	"github.com/BTreeMap/PromptCall/internal/models"
)

func TestDeriveGoalCues(t *testing.T) {
	tests := []struct {
		goal  string
		first string
	}{
		{goal: "Cancel the appointment on Friday", first: "cancelled"},
		{goal: "Reschedule my appointment to next week", first: "rescheduled"},
		{goal: "Get a refill of lisinopril sent to the pharmacy", first: "sent to"},
		{goal: "Book an appointment for a check-up", first: "scheduled"},
	}
	for _, tt := range tests {
		t.Run(tt.goal, func(t *testing.T) {
			cues := deriveGoalCues(tt.goal)
			if len(cues) == 0 || cues[0] != tt.first {
				t.Errorf("deriveGoalCues(%q) = %v, want first cue %q", tt.goal, cues, tt.first)
			}
		})
	}

	if cues := deriveGoalCues("Ask about a billing statement"); cues != nil {
		t.Errorf("expected no cues for an unknown goal type, got %v", cues)
	}
}

func TestRefillGoalNotMetByRequest(t *testing.T) {
	goal := models.Goal{Cues: deriveGoalCues("Get a prescription refill")}
	if goal.Met("Agent: How can I help? Patient: I need a refill of my prescription from the pharmacy.") {
		t.Error("the patient's own request should not satisfy the refill goal")
	}
	if !goal.Met("Agent: Your refill has been sent to the CVS on Main Street.") {
		t.Error("expected the pharmacy confirmation to satisfy the refill goal")
	}
}
