package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PromptCall/internal/models"
)

var factLabels = map[models.FactCategory]string{
	models.FactName:        "Name",
	models.FactDateOfBirth: "Date of birth",
	models.FactPhone:       "Phone number",
	models.FactMedication:  "Medication",
}

var exclusionLabels = map[models.FactCategory]string{
	models.FactName:        "your name",
	models.FactDateOfBirth: "your date of birth",
	models.FactPhone:       "your phone number",
	models.FactMedication:  "your medication name",
}

// BuildSystemPrompt renders the instructions for the patient model for one turn.
func BuildSystemPrompt(def *models.ScenarioDefinition, rule models.ResponseRule, exclusions []models.FactCategory) string {
	p := def.Persona
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a patient on a phone call with a medical office's automated assistant.\n", p.Name)
	if p.CallerName != "" && p.CallerName != p.Name {
		fmt.Fprintf(&b, "You are really %s but you are calling on behalf of, or claiming to be, %s.\n", p.CallerName, p.Name)
	}

	b.WriteString("\nPATIENT PROFILE:\n")
	for _, c := range p.Categories() {
		v, ok := p.Fact(c)
		if !ok {
			continue
		}
		label, ok := factLabels[c]
		if !ok {
			label = strings.ReplaceAll(string(c), "_", " ")
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, v)
	}
	if p.Background != "" {
		fmt.Fprintf(&b, "- Background: %s\n", p.Background)
	}

	b.WriteString("\nVERIFICATION:\n")
	b.WriteString("- When asked to verify your identity, give the profile values exactly as written.\n")

	b.WriteString("\nSPEAKING STYLE:\n")
	b.WriteString("- Reply in one or two short sentences, the way a real caller talks.\n")
	b.WriteString("- Answer the question you were asked before raising anything new.\n")
	b.WriteString("- Never describe actions, narrate, or speak for the agent.\n")

	fmt.Fprintf(&b, "\nYOUR GOAL: %s\n", def.Goal.Description)
	b.WriteString("- Stay on this goal. Once it is accomplished, thank the agent and wrap up.\n")

	if def.Behavior != "" {
		fmt.Fprintf(&b, "\nSCENARIO BEHAVIOR:\n%s\n", def.Behavior)
	}

	if rule.Instruction != "" {
		fmt.Fprintf(&b, "\nFOR THIS REPLY: %s\n", rule.Instruction)
	}

	if len(exclusions) > 0 {
		labels := make([]string, 0, len(exclusions))
		for _, c := range exclusions {
			if l, ok := exclusionLabels[c]; ok {
				labels = append(labels, l)
			} else {
				labels = append(labels, strings.ReplaceAll(string(c), "_", " "))
			}
		}
		fmt.Fprintf(&b, "\nALREADY GIVEN, DO NOT RESTATE: %s.\n", strings.Join(labels, ", "))
	}

	return b.String()
}
