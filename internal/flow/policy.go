package flow

import (
	"github.com/BTreeMap/PromptCall/internal/models"
)

// Outcome is the category of response chosen for one agent utterance.
type Outcome string

const (
	// OutcomeEndSilent ends the call without replying.
	OutcomeEndSilent Outcome = "end_silent"
	// OutcomeDirectAnswer replies with a literal persona fact.
	OutcomeDirectAnswer Outcome = "direct_answer"
	// OutcomeEndPolite replies with the fixed closing line and ends the call.
	OutcomeEndPolite Outcome = "end_polite"
	// OutcomeGenerate delegates the reply to the ReplyComposer.
	OutcomeGenerate Outcome = "generate"
)

// PoliteClose is spoken when the goal is met and the agent offers more help.
const PoliteClose = "No, that's all. Thank you!"

// TurnLimitClose is spoken when a call reaches its turn limit without the agent closing.
const TurnLimitClose = "Thank you, goodbye."

// DefaultMaxTurns caps the agent turns in one call.
const DefaultMaxTurns = 25

// DefaultInstruction is used when no stage matches the agent utterance.
const DefaultInstruction = "Respond naturally to what the agent just said, staying focused on your goal."

// PolicyInput is everything TurnPolicy looks at for one event.
type PolicyInput struct {
	Scenario  *models.ScenarioDefinition
	Utterance string
	Disclosed map[models.FactCategory]bool
	GoalMet   bool
	// TurnCount includes the utterance being decided. MaxTurns <= 0 disables the cap.
	TurnCount int
	MaxTurns  int
}

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome
	// Reply is set for DIRECT_ANSWER and END_POLITE.
	Reply string
	// Fact is the category answered by DIRECT_ANSWER.
	Fact models.FactCategory
	// Stage and Rule are set for GENERATE.
	Stage string
	Rule  models.ResponseRule
	// Exclusions are restricted categories already disclosed and not re-requested.
	Exclusions []models.FactCategory
}

// Decide classifies an agent utterance. Priority is closing, then the turn limit, then
// verification, then goal completion, then generation. It has no side effects.
func Decide(in PolicyInput) Decision {
	if IsClosing(in.Utterance) {
		return Decision{Outcome: OutcomeEndSilent}
	}

	if in.MaxTurns > 0 && in.TurnCount >= in.MaxTurns {
		return Decision{Outcome: OutcomeEndPolite, Reply: TurnLimitClose}
	}

	if category, ok := VerificationCategory(in.Utterance); ok {
		if value, known := in.Scenario.Persona.Fact(category); known && answerable(in, category) {
			return Decision{Outcome: OutcomeDirectAnswer, Reply: value, Fact: category}
		}
	}

	if IsAnythingElse(in.Utterance) && in.GoalMet {
		return Decision{Outcome: OutcomeEndPolite, Reply: PoliteClose}
	}

	d := Decision{
		Outcome:    OutcomeGenerate,
		Rule:       models.ResponseRule{Instruction: DefaultInstruction},
		Exclusions: exclusions(in),
	}
	if st, ok := in.Scenario.MatchStage(in.Utterance); ok {
		d.Stage = st.Name
		d.Rule = st.Rule
	}
	return d
}

// answerable reports whether a verification fact may be stated directly.
func answerable(in PolicyInput, category models.FactCategory) bool {
	if !in.Scenario.IsRestricted(category) || !in.Disclosed[category] {
		return true
	}
	return ReRequested(in.Utterance, category)
}

func exclusions(in PolicyInput) []models.FactCategory {
	var out []models.FactCategory
	for _, c := range in.Scenario.RestrictedFacts {
		if in.Disclosed[c] && !ReRequested(in.Utterance, c) {
			out = append(out, c)
		}
	}
	return out
}
