package flow

import (
	"errors"
	"sync"
	"testing"

	"github.com/BTreeMap/PromptCall/internal/testutil"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(testutil.ScenarioMap{"appointment_scheduling": testutil.SampleScenario()})

	if _, err := reg.Get("CA1"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall before creation, got %v", err)
	}

	first, created, err := reg.GetOrCreate("CA1", "appointment_scheduling")
	if err != nil || !created {
		t.Fatalf("GetOrCreate: created=%v err=%v", created, err)
	}
	again, created, err := reg.GetOrCreate("CA1", "appointment_scheduling")
	if err != nil || created || again != first {
		t.Fatalf("expected existing session, created=%v err=%v", created, err)
	}
	if first.Scenario.Name != "appointment_scheduling" || first.State.CallSID != "CA1" {
		t.Errorf("unexpected session: %+v", first.State)
	}

	if !reg.Complete("CA1") {
		t.Error("expected first Complete to evict the session")
	}
	if reg.Complete("CA1") {
		t.Error("expected second Complete to be a no-op")
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryUnknownScenario(t *testing.T) {
	reg := NewRegistry(testutil.ScenarioMap{})
	_, _, err := reg.GetOrCreate("CA1", "nope")
	if !errors.Is(err, ErrUnknownScenario) {
		t.Fatalf("expected ErrUnknownScenario, got %v", err)
	}
	if reg.Len() != 0 {
		t.Error("no session should be created for an unknown scenario")
	}
}

func TestRegistryConcurrentCreateReturnsOneSession(t *testing.T) {
	reg := NewRegistry(testutil.ScenarioMap{"appointment_scheduling": testutil.SampleScenario()})

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := reg.GetOrCreate("CA7", "appointment_scheduling")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent GetOrCreate returned different sessions")
		}
	}
	if reg.Len() != 1 {
		t.Errorf("expected one session, got %d", reg.Len())
	}
}
