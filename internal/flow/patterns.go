package flow

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/PromptCall/internal/models"
)

// phrasePattern matches when the utterance contains Phrase and none of Unless. A Word
// pattern only matches Phrase as a whole word.
type phrasePattern struct {
	Phrase string
	Word   bool
	Unless []string
}

func (p phrasePattern) match(lower string) bool {
	if p.Word {
		if !containsWord(lower, p.Phrase) {
			return false
		}
	} else if !strings.Contains(lower, p.Phrase) {
		return false
	}
	for _, u := range p.Unless {
		if strings.Contains(lower, u) {
			return false
		}
	}
	return true
}

// greetingOpeners mark a "thank you for calling" that opens a call instead of ending
// it: an offer of help, an introduction, a verification request or any question.
var greetingOpeners = []string{
	"how can i help", "how may i help", "how can i assist", "how may i assist", "what can i do for you",
	"this is", "my name is", "speaking with", "who am i speaking", "your name", "date of birth", "?",
}

var closingPatterns = []phrasePattern{
	{Phrase: "goodbye"},
	{Phrase: "good bye"},
	{Phrase: "bye for now"},
	{Phrase: "have a great day"},
	{Phrase: "have a good day"},
	{Phrase: "have a nice day"},
	{Phrase: "have a wonderful day"},
	{Phrase: "talk to you later"},
	{Phrase: "take care"},
	{Phrase: "thanks again"},
	{Phrase: "thank you again"},
	{Phrase: "bye", Word: true},
	{Phrase: "thanks for calling", Unless: greetingOpeners},
	{Phrase: "thank you for calling", Unless: greetingOpeners},
}

var anythingElsePatterns = []phrasePattern{
	{Phrase: "anything else"},
	{Phrase: "something else i can"},
	{Phrase: "any other questions"},
	{Phrase: "anything more i can"},
}

// verificationPatterns is evaluated in order; the first category whose phrases
// match the utterance is the one answered.
var verificationPatterns = []struct {
	Category models.FactCategory
	Phrases  []string
}{
	{models.FactName, []string{"your name", "who am i speaking", "who i'm speaking", "speaking with", "who is this", "who's calling"}},
	{models.FactDateOfBirth, []string{"date of birth", "birth date", "birthdate", "birthday", "dob"}},
}

// categoryMentions detects which fact category an utterance is asking about.
var categoryMentions = map[models.FactCategory][]string{
	models.FactName:        {"your name", "spell your name", "name again"},
	models.FactDateOfBirth: {"date of birth", "birth date", "birthdate", "birthday", "dob"},
	models.FactPhone:       {"phone", "callback number", "contact number"},
	models.FactMedication:  {"medication", "prescription", "medicine"},
}

var reRequestCues = []string{
	"again", "repeat", "one more time", "didn't catch", "didn't get", "didn't hear",
	"did not catch", "confirm that", "say that", "come again",
}

// incompletePrefixes are openings that are not a usable reply on their own.
var incompletePrefixes = []string{"i need", "i would like", "i'd like to", "i'd like", "i want", "i was wondering"}

func matchAny(patterns []phrasePattern, lower string) bool {
	for _, p := range patterns {
		if p.match(lower) {
			return true
		}
	}
	return false
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// containsWord reports whether word appears in lower delimited by non-letters.
func containsWord(lower, word string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	for _, w := range words {
		if w == word {
			return true
		}
	}
	return false
}

// IsClosing reports whether the agent utterance ends the call.
func IsClosing(utterance string) bool {
	return matchAny(closingPatterns, strings.ToLower(utterance))
}

// IsAnythingElse reports whether the agent is asking if the caller needs more help.
func IsAnythingElse(utterance string) bool {
	return matchAny(anythingElsePatterns, strings.ToLower(utterance))
}

// VerificationCategory returns the persona fact the agent is asking to verify.
func VerificationCategory(utterance string) (models.FactCategory, bool) {
	lower := strings.ToLower(utterance)
	for _, vp := range verificationPatterns {
		if containsAny(lower, vp.Phrases) {
			return vp.Category, true
		}
	}
	return "", false
}

// ReRequested reports whether the utterance explicitly asks for the category again.
func ReRequested(utterance string, category models.FactCategory) bool {
	lower := strings.ToLower(utterance)
	return containsAny(lower, reRequestCues) && containsAny(lower, categoryMentions[category])
}
