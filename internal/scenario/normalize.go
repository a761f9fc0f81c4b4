package scenario

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/PromptCall/internal/models"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a scenario file leaves persona fields out.
const (
	DefaultPatientName = "Lucas"
	DefaultPatientDOB  = "February 17th, 2026"
	DefaultGoal        = "Help the caller."
	edgeCasePrefix     = "edge_"
)

// rawScenario mirrors every scenario file layout we accept.
type rawScenario struct {
	Name                 string             `yaml:"name"`
	Description          string             `yaml:"description"`
	TestType             string             `yaml:"test_type"`
	Goal                 string             `yaml:"goal"`
	Context              string             `yaml:"context"`
	PatientContext       *rawPatientContext `yaml:"patient_context"`
	SystemPromptAddendum string             `yaml:"system_prompt_addendum"`
}

type rawPatientContext struct {
	Name             string            `yaml:"name"`
	ClaimedName      string            `yaml:"claimed_name"`
	CallerName       string            `yaml:"caller_name"`
	DOB              string            `yaml:"dob"`
	ClaimedDOB       string            `yaml:"claimed_dob"`
	Phone            string            `yaml:"phone"`
	Medication       string            `yaml:"medication"`
	Goal             string            `yaml:"goal"`
	GoalCues         []string          `yaml:"goal_cues"`
	Background       string            `yaml:"background"`
	Behavior         string            `yaml:"behavior"`
	Facts            map[string]string `yaml:"facts"`
	AntiRepetition   []string          `yaml:"anti_repetition"`
	QuestionPriority []string          `yaml:"question_priority"`
	Tone             []string          `yaml:"tone"`
	ResponseStages   yaml.Node         `yaml:"response_stages"`
}

type rawStage struct {
	Name     string   `yaml:"name"`
	Trigger  string   `yaml:"trigger"`
	Keywords []string `yaml:"keywords"`
	Examples []string `yaml:"examples"`
	Say      string   `yaml:"say"`
}

// goalCueTable maps a goal type found in the goal text to the phrases that signal
// it was accomplished. Checked in order, most specific first; the first goal type
// present wins.
var goalCueTable = []struct {
	goalType string
	cues     []string
}{
	{"cancel", []string{"cancelled", "canceled", "removed from"}},
	{"reschedule", []string{"rescheduled", "moved", "changed", "new time"}},
	{"refill", []string{"sent to", "has been sent", "been filled", "refill has been", "refill is on", "called in"}},
	{"appointment", []string{"scheduled", "appointment is", "booked", "see you on", "confirmation"}},
}

// factCues maps free-text anti-repetition rules onto fact categories.
var factCues = []struct {
	category models.FactCategory
	cues     []string
}{
	{models.FactDateOfBirth, []string{"date of birth", "dob", "birthday"}},
	{models.FactPhone, []string{"phone", "callback number"}},
	{models.FactMedication, []string{"medication", "prescription", "drug"}},
	{models.FactName, []string{"name"}},
}

var quotedPhrase = regexp.MustCompile(`["“]([^"”]+)["”]`)

// Normalize converts a decoded scenario file into the immutable definition used by
// the turn policy. name is used when the file does not carry its own.
func Normalize(raw rawScenario, name string) (*models.ScenarioDefinition, error) {
	if raw.Name != "" {
		name = raw.Name
	}
	if name == "" {
		return nil, fmt.Errorf("scenario has no name")
	}
	if raw.PatientContext == nil {
		return normalizeSimple(raw, name), nil
	}
	return normalizeRich(raw, name)
}

// normalizeSimple handles the description/goal/context layout.
func normalizeSimple(raw rawScenario, name string) *models.ScenarioDefinition {
	goal := firstNonEmpty(raw.Goal, DefaultGoal)
	testType := models.TestTypeStandard
	if strings.HasPrefix(name, edgeCasePrefix) {
		testType = models.TestTypeEdgeCase
	}
	def := &models.ScenarioDefinition{
		Name:        name,
		Description: raw.Description,
		TestType:    testType,
		Persona: models.Persona{
			Name:       DefaultPatientName,
			Background: raw.Context,
			Facts: map[models.FactCategory]string{
				models.FactName:        DefaultPatientName,
				models.FactDateOfBirth: DefaultPatientDOB,
			},
		},
		Goal: models.Goal{Description: goal, Cues: deriveGoalCues(goal)},
	}
	if testType == models.TestTypeEdgeCase {
		def.Behavior = raw.Context
	}
	return def
}

// normalizeRich handles the patient_context layout with optional response stages.
func normalizeRich(raw rawScenario, name string) (*models.ScenarioDefinition, error) {
	pc := raw.PatientContext

	goal := firstNonEmpty(pc.Goal, raw.Goal, DefaultGoal)
	cues := lowerAll(pc.GoalCues)
	if len(cues) == 0 {
		cues = deriveGoalCues(goal)
	}

	stages, err := decodeStages(&pc.ResponseStages)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}

	restricted, freeRules := splitAntiRepetition(pc.AntiRepetition)

	behavior := strings.TrimSpace(pc.Behavior)
	if extra := buildBehavior(freeRules, pc.QuestionPriority, stages, pc.Tone); extra != "" {
		behavior = strings.TrimSpace(behavior + "\n\n" + extra)
	}
	if addendum := strings.TrimSpace(raw.SystemPromptAddendum); addendum != "" {
		behavior = strings.TrimSpace(behavior + "\n\n" + addendum)
	}

	testType := models.TestType(raw.TestType)
	if testType == "" {
		testType = models.TestTypeStandard
		if strings.HasPrefix(name, edgeCasePrefix) {
			testType = models.TestTypeEdgeCase
		}
	}

	return &models.ScenarioDefinition{
		Name:            name,
		Description:     raw.Description,
		TestType:        testType,
		Persona:         buildPersona(pc),
		Goal:            models.Goal{Description: goal, Cues: cues},
		Stages:          stages,
		RestrictedFacts: restricted,
		Behavior:        behavior,
	}, nil
}

func buildPersona(pc *rawPatientContext) models.Persona {
	name := firstNonEmpty(pc.Name, pc.CallerName, DefaultPatientName)
	facts := make(map[models.FactCategory]string, len(pc.Facts)+4)
	for k, v := range pc.Facts {
		facts[models.FactCategory(strings.ToLower(strings.TrimSpace(k)))] = v
	}
	// A claimed identity is what the patient says out loud when asked.
	facts[models.FactName] = firstNonEmpty(pc.ClaimedName, name)
	facts[models.FactDateOfBirth] = firstNonEmpty(pc.ClaimedDOB, pc.DOB, DefaultPatientDOB)
	if pc.Phone != "" {
		facts[models.FactPhone] = pc.Phone
	}
	if pc.Medication != "" {
		facts[models.FactMedication] = pc.Medication
	}
	return models.Persona{
		Name:       name,
		CallerName: pc.CallerName,
		Background: pc.Background,
		Facts:      facts,
	}
}

// decodeStages keeps response_stages in declaration order. Both a mapping of
// stage name to stage and a list of named stages are accepted.
func decodeStages(node *yaml.Node) ([]models.Stage, error) {
	var stages []models.Stage
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			st, ok, err := decodeStage(key, node.Content[i+1])
			if err != nil {
				return nil, err
			}
			if ok {
				stages = append(stages, st)
			}
		}
	case yaml.SequenceNode:
		for i, item := range node.Content {
			st, ok, err := decodeStage(fmt.Sprintf("stage_%d", i+1), item)
			if err != nil {
				return nil, err
			}
			if ok {
				stages = append(stages, st)
			}
		}
	default:
		return nil, fmt.Errorf("response_stages must be a mapping or a list")
	}
	return stages, nil
}

func decodeStage(key string, node *yaml.Node) (models.Stage, bool, error) {
	var rs rawStage
	if node.Kind == yaml.ScalarNode {
		rs.Trigger = node.Value
	} else if err := node.Decode(&rs); err != nil {
		return models.Stage{}, false, fmt.Errorf("stage %s: %w", key, err)
	}
	name := firstNonEmpty(rs.Name, key)

	keywords := lowerAll(rs.Keywords)
	if len(keywords) == 0 {
		for _, m := range quotedPhrase.FindAllStringSubmatch(rs.Trigger, -1) {
			keywords = append(keywords, strings.ToLower(strings.TrimSpace(m[1])))
		}
	}

	var rule models.ResponseRule
	switch {
	case strings.TrimSpace(rs.Say) != "":
		rule.Literal = strings.TrimSpace(rs.Say)
	case rs.Trigger != "" || len(rs.Examples) > 0:
		rule.Instruction = stageInstruction(name, rs)
	default:
		return models.Stage{}, false, nil
	}
	return models.Stage{Name: name, Keywords: keywords, Rule: rule}, true, nil
}

func stageInstruction(name string, rs rawStage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %s.", name)
	if rs.Trigger != "" {
		fmt.Fprintf(&b, " Trigger: %s.", strings.TrimSuffix(strings.TrimSpace(rs.Trigger), "."))
	}
	if len(rs.Examples) > 0 {
		b.WriteString(" Respond like: ")
		b.WriteString(quoteJoin(rs.Examples))
	}
	return b.String()
}

// splitAntiRepetition separates fact categories from free-text rules. Entries that
// name a category directly are consumed; free-text entries are kept as prompt rules
// and also contribute any categories they mention.
func splitAntiRepetition(entries []string) ([]models.FactCategory, []string) {
	seen := make(map[models.FactCategory]bool)
	var categories []models.FactCategory
	var rules []string
	add := func(c models.FactCategory) {
		if !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if c, ok := exactCategory(trimmed); ok {
			add(c)
			continue
		}
		rules = append(rules, trimmed)
		for _, c := range categoriesMentioned(trimmed) {
			add(c)
		}
	}
	return categories, rules
}

func exactCategory(s string) (models.FactCategory, bool) {
	switch models.FactCategory(strings.ToLower(s)) {
	case models.FactName, models.FactDateOfBirth, models.FactPhone, models.FactMedication:
		return models.FactCategory(strings.ToLower(s)), true
	}
	return "", false
}

func categoriesMentioned(text string) []models.FactCategory {
	lower := strings.ToLower(text)
	// "medication name" is about the medication, not the patient's name.
	lower = strings.ReplaceAll(lower, "medication name", "medication")
	var out []models.FactCategory
	for _, fc := range factCues {
		for _, cue := range fc.cues {
			if strings.Contains(lower, cue) {
				out = append(out, fc.category)
				break
			}
		}
	}
	return out
}

func buildBehavior(antiRules, questionPriority []string, stages []models.Stage, tone []string) string {
	var parts []string
	if len(antiRules) > 0 {
		parts = append(parts, "ANTI-REPETITION RULES:\n"+bulleted(antiRules))
	}
	if len(questionPriority) > 0 {
		parts = append(parts, "QUESTION-PRIORITY BEHAVIOR:\n"+bulleted(questionPriority))
	}
	if len(stages) > 0 {
		lines := []string{"RESPONSE STAGES (match agent's last message and respond accordingly):"}
		for _, st := range stages {
			if st.Rule.IsLiteral() {
				lines = append(lines, fmt.Sprintf("- %s: say %q", st.Name, st.Rule.Literal))
			} else {
				lines = append(lines, "- "+st.Rule.Instruction)
			}
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(tone) > 0 {
		parts = append(parts, "TONE:\n"+bulleted(tone))
	}
	return strings.Join(parts, "\n\n")
}

func deriveGoalCues(goal string) []string {
	lower := strings.ToLower(goal)
	for _, entry := range goalCueTable {
		if strings.Contains(lower, entry.goalType) {
			return append([]string(nil), entry.cues...)
		}
	}
	return nil
}

func bulleted(items []string) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "- "+strings.TrimSpace(it))
	}
	return strings.Join(lines, "\n")
}

func quoteJoin(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		quoted = append(quoted, fmt.Sprintf("%q", it))
	}
	return strings.Join(quoted, " | ")
}

func lowerAll(items []string) []string {
	var out []string
	for _, it := range items {
		if s := strings.ToLower(strings.TrimSpace(it)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
