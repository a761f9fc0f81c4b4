package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PromptCall/internal/flow"
	"github.com/BTreeMap/PromptCall/internal/metrics"
	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/store"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/BTreeMap/PromptCall/internal/testutil"
)

type fakeCaller struct {
	sid  string
	err  error
	reqs []telephony.CallRequest
}

func (f *fakeCaller) PlaceCall(_ context.Context, req telephony.CallRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.sid, f.err
}

type fakeRecordings struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecordings) HandleRecording(_ context.Context, callSID, recordingURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callSID+" "+recordingURL)
	return "/tmp/" + callSID + ".mp3", nil
}

func newTestServer(t *testing.T, gen *testutil.FakeGenerator, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	scenarios := testutil.ScenarioMap{"appointment_scheduling": testutil.SampleScenario()}
	st := store.NewInMemoryStore()
	conv := flow.NewConversation(flow.NewRegistry(scenarios), flow.NewReplyComposer(gen, time.Second), flow.WithTranscriptSink(st))
	return NewServer(conv, scenarios, st, opts...), st
}

func post(t *testing.T, s *Server, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, testutil.NewFormRequest(t, http.MethodPost, target, form))
	return rr
}

func TestVoiceWebhookStartsCall(t *testing.T) {
	s, st := newTestServer(t, &testutil.FakeGenerator{})

	rr := post(t, s, "/voice?scenario=appointment_scheduling", url.Values{"CallSid": {"CA100"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "voice webhook")
	body := rr.Body.String()
	for _, want := range []string{"<Gather", "/handle-agent-response?scenario=appointment_scheduling"} {
		if !strings.Contains(body, want) {
			t.Errorf("voice TwiML missing %q:\n%s", want, body)
		}
	}
	if s.conv.Registry().Len() != 1 {
		t.Error("expected a live session")
	}
	doc, _ := st.Load("CA100")
	if doc == nil || doc.Status != models.TranscriptStatusInProgress {
		t.Errorf("expected in-progress transcript, got %+v", doc)
	}
}

func TestVoiceWebhookUnknownScenario(t *testing.T) {
	s, _ := newTestServer(t, &testutil.FakeGenerator{})

	rr := post(t, s, "/voice?scenario=nope", url.Values{"CallSid": {"CA101"}})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown scenario")
	testutil.AssertJSONResponse(t, rr, "error")
	if s.conv.Registry().Len() != 0 {
		t.Error("expected no session for unknown scenario")
	}
}

func TestAgentResponseDirectAnswer(t *testing.T) {
	gen := &testutil.FakeGenerator{Reply: "unused reply text"}
	s, _ := newTestServer(t, gen)
	post(t, s, "/voice", url.Values{"CallSid": {"CA102"}})

	rr := post(t, s, "/handle-agent-response?scenario=appointment_scheduling", url.Values{
		"CallSid":      {"CA102"},
		"SpeechResult": {"Can I get your date of birth to verify?"},
		"Confidence":   {"0.93"},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "agent response")
	body := rr.Body.String()
	if !strings.Contains(body, testutil.SampleDOB) || !strings.Contains(body, "<Gather") {
		t.Errorf("expected DOB reply followed by Gather:\n%s", body)
	}
	if gen.Calls() != 0 {
		t.Error("expected no generation call for a verification answer")
	}
}

func TestAgentResponseGeneratedReply(t *testing.T) {
	gen := &testutil.FakeGenerator{Reply: "Tuesday morning works for me."}
	s, st := newTestServer(t, gen)
	post(t, s, "/voice", url.Values{"CallSid": {"CA103"}})

	rr := post(t, s, "/handle-agent-response", url.Values{
		"CallSid":      {"CA103"},
		"SpeechResult": {"What day works best for you?"},
		"Confidence":   {"0.5"},
	})
	if !strings.Contains(rr.Body.String(), "Tuesday morning works for me.") {
		t.Errorf("expected generated reply:\n%s", rr.Body.String())
	}
	doc, _ := st.Load("CA103")
	if doc == nil || doc.TurnCount != 1 || len(doc.Turns) != 2 {
		t.Fatalf("expected one round persisted, got %+v", doc)
	}
	if doc.Turns[0].Confidence == nil || *doc.Turns[0].Confidence != 0.5 {
		t.Error("expected agent confidence recorded")
	}
}

func TestAgentResponseConfidenceParsing(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want float64
	}{
		{name: "missing counts as certain", want: 1.0},
		{name: "numeric", raw: []string{"0.83"}, want: 0.83},
		{name: "unreadable counts as zero", raw: []string{"n/a"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st := newTestServer(t, &testutil.FakeGenerator{Reply: "Tuesday morning works for me."})
			post(t, s, "/voice", url.Values{"CallSid": {"CA110"}})
			form := url.Values{"CallSid": {"CA110"}, "SpeechResult": {"What day works best for you?"}}
			if tt.raw != nil {
				form["Confidence"] = tt.raw
			}
			post(t, s, "/handle-agent-response", form)

			doc, _ := st.Load("CA110")
			if doc == nil || len(doc.Turns) == 0 || doc.Turns[0].Confidence == nil {
				t.Fatalf("expected agent turn with confidence, got %+v", doc)
			}
			if got := *doc.Turns[0].Confidence; got != tt.want {
				t.Errorf("confidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentResponseClosingIsSilent(t *testing.T) {
	gen := &testutil.FakeGenerator{Reply: "unused reply text"}
	s, _ := newTestServer(t, gen)
	post(t, s, "/voice", url.Values{"CallSid": {"CA104"}})

	rr := post(t, s, "/handle-agent-response", url.Values{
		"CallSid":      {"CA104"},
		"SpeechResult": {"Thanks for calling, goodbye!"},
	})
	body := rr.Body.String()
	if strings.Contains(body, "<Say") || strings.Contains(body, "<Gather") {
		t.Errorf("expected empty response on closing:\n%s", body)
	}
	if gen.Calls() != 0 {
		t.Error("expected no generation call on closing")
	}
}

func TestAgentResponseEmptySpeechKeepsListening(t *testing.T) {
	s, st := newTestServer(t, &testutil.FakeGenerator{})
	post(t, s, "/voice", url.Values{"CallSid": {"CA105"}})

	rr := post(t, s, "/handle-agent-response", url.Values{"CallSid": {"CA105"}, "SpeechResult": {"  "}})
	if !strings.Contains(rr.Body.String(), "<Gather") {
		t.Errorf("expected Gather on empty speech:\n%s", rr.Body.String())
	}
	doc, _ := st.Load("CA105")
	if doc.TurnCount != 0 {
		t.Errorf("expected no turn counted, got %d", doc.TurnCount)
	}
}

func TestAgentResponseUnknownCallHangsUp(t *testing.T) {
	s, _ := newTestServer(t, &testutil.FakeGenerator{})

	rr := post(t, s, "/handle-agent-response", url.Values{"CallSid": {"CA404"}, "SpeechResult": {"Hello?"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown call")
	body := rr.Body.String()
	if !strings.Contains(body, "<Hangup") || strings.Contains(body, "<Gather") {
		t.Errorf("expected graceful hangup:\n%s", body)
	}
}

func TestCallStatusCompletesCall(t *testing.T) {
	s, st := newTestServer(t, &testutil.FakeGenerator{})
	post(t, s, "/voice", url.Values{"CallSid": {"CA106"}})

	rr := post(t, s, "/call-status", url.Values{"CallSid": {"CA106"}, "CallStatus": {"in-progress"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "non-terminal status")
	if s.conv.Registry().Len() != 1 {
		t.Fatal("expected session kept for non-terminal status")
	}

	for i := 0; i < 2; i++ {
		rr = post(t, s, "/call-status", url.Values{"CallSid": {"CA106"}, "CallStatus": {"completed"}, "CallDuration": {"73"}})
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "completed status")
	}
	if s.conv.Registry().Len() != 0 {
		t.Error("expected session removed")
	}
	doc, _ := st.Load("CA106")
	if doc.Status != models.TranscriptStatusCompleted || doc.DurationSeconds != 73 || doc.CompletedAt == nil {
		t.Errorf("expected completed transcript, got %+v", doc)
	}
}

func TestRecordingCompleteRunsInBackground(t *testing.T) {
	rec := &fakeRecordings{}
	s, _ := newTestServer(t, &testutil.FakeGenerator{}, WithRecordings(rec))

	rr := post(t, s, "/recording-complete", url.Values{
		"CallSid":         {"CA107"},
		"RecordingUrl":    {"https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1"},
		"RecordingStatus": {"completed"},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "recording webhook")
	s.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || !strings.HasPrefix(rec.calls[0], "CA107 https://api.twilio.com/") {
		t.Errorf("expected one recording handled, got %v", rec.calls)
	}
}

func TestPlaceCall(t *testing.T) {
	caller := &fakeCaller{sid: "CA200"}
	m := metrics.New()
	s, _ := newTestServer(t, &testutil.FakeGenerator{},
		WithCaller(caller), WithBaseURL("https://example.ngrok.app"), WithTestLineNumber("+15550001111"), WithMetrics(m))

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/calls", PlaceCallRequest{Scenario: "appointment_scheduling"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "place call")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusQueued))
	result := resp["result"].(map[string]interface{})
	if result["call_sid"] != "CA200" || result["to"] != "+15550001111" {
		t.Errorf("unexpected result %v", result)
	}
	if len(caller.reqs) != 1 || caller.reqs[0].BaseURL != "https://example.ngrok.app" {
		t.Errorf("unexpected call request %+v", caller.reqs)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/calls", PlaceCallRequest{Scenario: "missing"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown scenario")

	caller.err = errors.New("Unable to create record: Authenticate")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/calls", PlaceCallRequest{}))
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "provider failure")
}

func TestPlaceCallWithoutCaller(t *testing.T) {
	s, _ := newTestServer(t, &testutil.FakeGenerator{})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/calls", PlaceCallRequest{To: "+15550001111"}))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "no caller")
}

func TestScenariosAndHealth(t *testing.T) {
	s, _ := newTestServer(t, &testutil.FakeGenerator{})

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/scenarios", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	list := resp["result"].([]interface{})
	if len(list) != 1 || list[0].(map[string]interface{})["name"] != "appointment_scheduling" {
		t.Errorf("unexpected scenario list %v", list)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestTranscriptRetrieval(t *testing.T) {
	s, st := newTestServer(t, &testutil.FakeGenerator{})
	st.Save(models.Transcript{
		CallSID: "CA300",
		Turns: []models.TurnRecord{
			{Speaker: models.SpeakerAgent, Text: "How can I help you today?", Turn: 1},
			{Speaker: models.SpeakerPatient, Text: "I need a refill on my lisinopril.", Turn: 1},
		},
		Whisper: &models.WhisperTranscription{FullText: "whisper text"},
	})

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcripts/CA300", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["call_sid"] != "CA300" {
		t.Errorf("unexpected transcript %v", resp["result"])
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcripts/CA300?format=text", nil))
	if got := rr.Body.String(); !strings.HasPrefix(got, "Agent: How can I help you today?\nPatient: I need a refill") {
		t.Errorf("unexpected text rendering %q", got)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcripts/CA300?format=text&source=whisper", nil))
	if got := strings.TrimSpace(rr.Body.String()); got != "whisper text" {
		t.Errorf("expected whisper text, got %q", got)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcripts/CA999", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing transcript")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &testutil.FakeGenerator{}, WithMetrics(metrics.New()))
	post(t, s, "/voice", url.Values{"CallSid": {"CA400"}})

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in output")
	}
}

// twilioSignature computes the X-Twilio-Signature for a POST.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidation(t *testing.T) {
	const base = "https://example.ngrok.app"
	s, _ := newTestServer(t, &testutil.FakeGenerator{}, WithBaseURL(base), WithSignatureValidation("secret"))
	form := url.Values{"CallSid": {"CA500"}}

	rr := post(t, s, "/voice", form)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned webhook")

	req := testutil.NewFormRequest(t, http.MethodPost, "/voice", form)
	req.Header.Set(telephony.SignatureHeader, twilioSignature("secret", base+"/voice", form))
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed webhook")

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health is not signed")
}
