package flow

import (
	"testing"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/testutil"
)

func TestDecidePriority(t *testing.T) {
	def := testutil.SampleScenario()

	tests := []struct {
		name      string
		utterance string
		disclosed map[models.FactCategory]bool
		goalMet   bool
		turnCount int
		want      Outcome
		reply     string
		stage     string
	}{
		{
			name:      "closing wins over everything",
			utterance: "Thanks for calling, goodbye!",
			disclosed: map[models.FactCategory]bool{models.FactDateOfBirth: true},
			goalMet:   true,
			want:      OutcomeEndSilent,
		},
		{
			name:      "greeting is not a closing",
			utterance: "Thank you for calling Sunrise Clinic, how can I help you today?",
			want:      OutcomeGenerate,
		},
		{
			name:      "introduction with a name question is not a closing",
			utterance: "Thank you for calling Pivot Point Orthopedics, this is Ava. Who am I speaking with?",
			want:      OutcomeDirectAnswer,
			reply:     "Lucas",
		},
		{
			name:      "turn limit ends politely",
			utterance: "Sorry, could you say that one more time?",
			turnCount: 25,
			want:      OutcomeEndPolite,
			reply:     TurnLimitClose,
		},
		{
			name:      "closing still silent at turn limit",
			utterance: "Alright, take care!",
			turnCount: 30,
			want:      OutcomeEndSilent,
		},
		{
			name:      "date of birth answered literally",
			utterance: "Can I get your date of birth to verify?",
			want:      OutcomeDirectAnswer,
			reply:     testutil.SampleDOB,
		},
		{
			name:      "name answered literally",
			utterance: "Who am I speaking with?",
			want:      OutcomeDirectAnswer,
			reply:     "Lucas",
		},
		{
			name:      "verification before goal completion",
			utterance: "Before anything else, what is your date of birth?",
			goalMet:   true,
			want:      OutcomeDirectAnswer,
			reply:     testutil.SampleDOB,
		},
		{
			name:      "anything else after goal closes politely",
			utterance: "Is there anything else I can help with?",
			goalMet:   true,
			want:      OutcomeEndPolite,
			reply:     PoliteClose,
		},
		{
			name:      "anything else before goal generates",
			utterance: "Is there anything else I can help with?",
			want:      OutcomeGenerate,
		},
		{
			name:      "stage instruction",
			utterance: "What day works best for you?",
			want:      OutcomeGenerate,
			stage:     "availability",
		},
		{
			name:      "literal stage",
			utterance: "What's the reason for your call?",
			want:      OutcomeGenerate,
			stage:     "reason",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disclosed := tt.disclosed
			if disclosed == nil {
				disclosed = map[models.FactCategory]bool{}
			}
			d := Decide(PolicyInput{
				Scenario:  def,
				Utterance: tt.utterance,
				Disclosed: disclosed,
				GoalMet:   tt.goalMet,
				TurnCount: tt.turnCount,
				MaxTurns:  DefaultMaxTurns,
			})
			if d.Outcome != tt.want {
				t.Fatalf("expected outcome %s, got %s", tt.want, d.Outcome)
			}
			if tt.reply != "" && d.Reply != tt.reply {
				t.Errorf("expected reply %q, got %q", tt.reply, d.Reply)
			}
			if d.Stage != tt.stage {
				t.Errorf("expected stage %q, got %q", tt.stage, d.Stage)
			}
		})
	}
}

func TestDecideDefaultInstruction(t *testing.T) {
	d := Decide(PolicyInput{
		Scenario:  testutil.SampleScenario(),
		Utterance: "Let me pull up your chart.",
		Disclosed: map[models.FactCategory]bool{},
	})
	if d.Outcome != OutcomeGenerate || d.Rule.Instruction != DefaultInstruction {
		t.Errorf("expected default instruction, got %+v", d)
	}
}

func TestDecideAntiRepetition(t *testing.T) {
	def := testutil.SampleScenario()
	disclosed := map[models.FactCategory]bool{models.FactDateOfBirth: true}

	d := Decide(PolicyInput{Scenario: def, Utterance: "And your date of birth?", Disclosed: disclosed})
	if d.Outcome != OutcomeGenerate {
		t.Fatalf("expected restricted fact to go through generation, got %s", d.Outcome)
	}
	if len(d.Exclusions) != 1 || d.Exclusions[0] != models.FactDateOfBirth {
		t.Errorf("expected date_of_birth exclusion, got %v", d.Exclusions)
	}

	d = Decide(PolicyInput{Scenario: def, Utterance: "Sorry, I didn't catch your date of birth, could you repeat it?", Disclosed: disclosed})
	if d.Outcome != OutcomeDirectAnswer || d.Reply != testutil.SampleDOB {
		t.Errorf("expected re-request to be answered directly, got %+v", d)
	}

	d = Decide(PolicyInput{Scenario: def, Utterance: "What day works for you?", Disclosed: disclosed})
	if len(d.Exclusions) != 1 {
		t.Errorf("expected exclusion on unrelated stage, got %v", d.Exclusions)
	}

	// Unrestricted facts are answered every time.
	d = Decide(PolicyInput{Scenario: def, Utterance: "What's your name?", Disclosed: map[models.FactCategory]bool{models.FactName: true}})
	if d.Outcome != OutcomeDirectAnswer || d.Reply != "Lucas" {
		t.Errorf("expected name answered again, got %+v", d)
	}
}

func TestDecideMissingFactGenerates(t *testing.T) {
	def := testutil.SampleScenario()
	delete(def.Persona.Facts, models.FactDateOfBirth)

	d := Decide(PolicyInput{Scenario: def, Utterance: "What's your date of birth?", Disclosed: map[models.FactCategory]bool{}})
	if d.Outcome != OutcomeGenerate {
		t.Errorf("expected generation when persona has no value, got %s", d.Outcome)
	}
}

func TestClosingPatterns(t *testing.T) {
	for _, s := range []string{
		"Goodbye.",
		"Have a great day!",
		"OK, thank you for calling. Bye for now.",
		"Alright, take care!",
		"Thanks again, bye.",
		"Thank you again for your patience.",
		"Okay, bye!",
		"You're all set. Thanks for calling.",
	} {
		if !IsClosing(s) {
			t.Errorf("expected %q to be a closing", s)
		}
	}
	for _, s := range []string{
		"Thank you for calling, how may I help you?",
		"Thank you for calling Pivot Point Orthopedics, this is Ava. Who am I speaking with?",
		"Thanks for calling, can I get your date of birth?",
		"Let me check that for you.",
		"Is that a bylaw requirement?",
	} {
		if IsClosing(s) {
			t.Errorf("did not expect %q to be a closing", s)
		}
	}
}
