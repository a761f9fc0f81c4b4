// Package testutil provides common test utilities and helpers for PromptCall tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/scenario"
	"github.com/openai/openai-go"
)

// SampleDOB is the date of birth of the sample persona.
const SampleDOB = "February 17th, 2026"

// SampleScenarioYAML is a rich-format scenario exercising stages and anti-repetition.
const SampleScenarioYAML = `
name: appointment_scheduling
description: Patient schedules a routine check-up
patient_context:
  name: Lucas
  dob: February 17th, 2026
  phone: 555-0142
  goal: Schedule an appointment for a routine check-up
  anti_repetition:
    - date_of_birth
  response_stages:
    reason:
      keywords: [reason for, what brings you]
      say: I'd like to book a routine check-up.
    availability:
      trigger: Agent asks "what day" or "what time"
      examples:
        - Tuesday morning works best for me.
`

// SampleScenario returns a definition equivalent to SampleScenarioYAML.
func SampleScenario() *models.ScenarioDefinition {
	return &models.ScenarioDefinition{
		Name:        "appointment_scheduling",
		Description: "Patient schedules a routine check-up",
		TestType:    models.TestTypeStandard,
		Persona: models.Persona{
			Name: "Lucas",
			Facts: map[models.FactCategory]string{
				models.FactName:        "Lucas",
				models.FactDateOfBirth: SampleDOB,
				models.FactPhone:       "555-0142",
			},
		},
		Goal: models.Goal{
			Description: "Schedule an appointment for a routine check-up",
			Cues:        []string{"scheduled", "appointment is", "booked", "see you on", "confirmation"},
		},
		Stages: []models.Stage{
			{Name: "reason", Keywords: []string{"reason for", "what brings you"}, Rule: models.ResponseRule{Literal: "I'd like to book a routine check-up."}},
			{Name: "availability", Keywords: []string{"what day", "what time"}, Rule: models.ResponseRule{Instruction: "Stage availability. Respond like: \"Tuesday morning works best for me.\""}},
		},
		RestrictedFacts: []models.FactCategory{models.FactDateOfBirth},
	}
}

// ScenarioMap is an in-memory scenario source.
type ScenarioMap map[string]*models.ScenarioDefinition

// Scenario returns the named definition or scenario.ErrNotFound.
func (m ScenarioMap) Scenario(name string) (*models.ScenarioDefinition, error) {
	if def, ok := m[name]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("%w: %q", scenario.ErrNotFound, name)
}

// List returns the definitions sorted by name.
func (m ScenarioMap) List() ([]*models.ScenarioDefinition, error) {
	out := make([]*models.ScenarioDefinition, 0, len(m))
	for _, def := range m {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteScenario writes a scenario file into dir and returns its path.
func WriteScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write scenario %s: %v", path, err)
	}
	return path
}

// FakeGenerator is a scripted completion API. When Delay is set it waits for the
// delay or the context, whichever comes first.
type FakeGenerator struct {
	mu           sync.Mutex
	Reply        string
	Err          error
	Delay        time.Duration
	calls        int
	lastMessages []openai.ChatCompletionMessageParamUnion
}

// GenerateWithMessages implements the completion interface.
func (f *FakeGenerator) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastMessages = messages
	reply, err, delay := f.Reply, f.Err, f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

// Calls returns how many completion calls were made.
func (f *FakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastMessages returns the payload of the most recent call.
func (f *FakeGenerator) LastMessages() []openai.ChatCompletionMessageParamUnion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessages
}

// ErrSinkUnavailable is returned by FailingSink.
var ErrSinkUnavailable = errors.New("transcript storage unavailable")

// FailingSink is a transcript sink whose writes always fail.
type FailingSink struct {
	mu    sync.Mutex
	Saves int
}

// Save implements the sink interface.
func (s *FailingSink) Save(models.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	return ErrSinkUnavailable
}

// Load implements the sink interface.
func (s *FailingSink) Load(string) (*models.Transcript, error) {
	return nil, ErrSinkUnavailable
}

// NewFormRequest builds a form-encoded webhook request.
func NewFormRequest(t *testing.T, method, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req := httptest.NewRequest(method, url, reqBody)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
