package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/PromptCall/internal/scenario"
)

func TestSampleScenarioMatchesYAML(t *testing.T) {
	dir := t.TempDir()
	WriteScenario(t, dir, "appointment_scheduling", SampleScenarioYAML)

	loaded, err := scenario.NewLoader(scenario.WithDir(dir)).Scenario("appointment_scheduling")
	if err != nil {
		t.Fatalf("failed to load sample scenario: %v", err)
	}
	want := SampleScenario()

	if len(loaded.Stages) != len(want.Stages) {
		t.Fatalf("expected %d stages, got %d", len(want.Stages), len(loaded.Stages))
	}
	for i := range want.Stages {
		if loaded.Stages[i].Name != want.Stages[i].Name {
			t.Errorf("stage %d: expected %s, got %s", i, want.Stages[i].Name, loaded.Stages[i].Name)
		}
	}
	for _, c := range want.Persona.Categories() {
		got, _ := loaded.Persona.Fact(c)
		exp, _ := want.Persona.Fact(c)
		if got != exp {
			t.Errorf("fact %s: expected %q, got %q", c, exp, got)
		}
	}
	if !loaded.IsRestricted("date_of_birth") {
		t.Error("expected date_of_birth restricted")
	}
}

func TestScenarioMap(t *testing.T) {
	m := ScenarioMap{"appointment_scheduling": SampleScenario()}
	if _, err := m.Scenario("appointment_scheduling"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Scenario("nope"); !errors.Is(err, scenario.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFakeGeneratorHonorsContext(t *testing.T) {
	g := &FakeGenerator{Reply: "Tuesday works for me.", Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := g.GenerateWithMessages(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if g.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", g.Calls())
	}
}

func TestNewFormRequest(t *testing.T) {
	req := NewFormRequest(t, http.MethodPost, "/voice", url.Values{"CallSid": {"CA123"}})
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm failed: %v", err)
	}
	if req.PostForm.Get("CallSid") != "CA123" {
		t.Errorf("expected CallSid in form, got %q", req.PostForm.Get("CallSid"))
	}
}
