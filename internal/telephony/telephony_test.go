package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/PromptCall/internal/testutil"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeVoiceAPI struct {
	call       *twilioApi.CreateCallParams
	callErr    error
	recordings []twilioApi.ApiV2010Recording
	listParams *twilioApi.ListRecordingParams
}

func (f *fakeVoiceAPI) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.call = params
	if f.callErr != nil {
		return nil, f.callErr
	}
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeVoiceAPI) ListRecording(params *twilioApi.ListRecordingParams) ([]twilioApi.ApiV2010Recording, error) {
	f.listParams = params
	return f.recordings, nil
}

func TestPlaceCall(t *testing.T) {
	api := &fakeVoiceAPI{}
	c := &Client{api: api, fromNumber: "+15550000000"}

	sid, err := c.PlaceCall(context.Background(), CallRequest{To: "+15551112222", BaseURL: "https://example.ngrok.app/", Scenario: "refill_request"})
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	if sid != "CA123" {
		t.Errorf("unexpected sid %q", sid)
	}
	p := api.call
	if *p.To != "+15551112222" || *p.From != "+15550000000" {
		t.Errorf("unexpected numbers to=%s from=%s", *p.To, *p.From)
	}
	if *p.Url != "https://example.ngrok.app/voice?scenario=refill_request" {
		t.Errorf("unexpected voice URL %s", *p.Url)
	}
	if p.Record == nil || !*p.Record {
		t.Error("expected recording enabled")
	}
	if *p.RecordingStatusCallback != "https://example.ngrok.app/recording-complete" || *p.StatusCallback != "https://example.ngrok.app/call-status" {
		t.Errorf("unexpected callbacks %s %s", *p.RecordingStatusCallback, *p.StatusCallback)
	}
}

func TestPlaceCallErrors(t *testing.T) {
	c := &Client{api: &fakeVoiceAPI{}, fromNumber: "+15550000000"}
	if _, err := c.PlaceCall(context.Background(), CallRequest{To: "+1555"}); !errors.Is(err, ErrMissingBaseURL) {
		t.Errorf("expected ErrMissingBaseURL, got %v", err)
	}

	c.api = &fakeVoiceAPI{callErr: errors.New("Status: 401 - ApiError 20003: Authenticate")}
	_, err := c.PlaceCall(context.Background(), CallRequest{To: "+15551112222", BaseURL: "https://example.com"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(FailureHint(err), "TWILIO_AUTH_TOKEN") {
		t.Errorf("unexpected hint %q", FailureHint(err))
	}
}

func TestLatestRecording(t *testing.T) {
	sid, uri, dur := "RE1", "/2010-04-01/Accounts/AC1/Recordings/RE1.json", "37"
	api := &fakeVoiceAPI{recordings: []twilioApi.ApiV2010Recording{{Sid: &sid, Uri: &uri, Duration: &dur}}}
	c := &Client{api: api}

	rec, err := c.LatestRecording(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("LatestRecording failed: %v", err)
	}
	if rec.SID != "RE1" || rec.DurationSeconds != 37 || rec.MediaURL != "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1" {
		t.Errorf("unexpected recording %+v", rec)
	}
	if *api.listParams.CallSid != "CA1" {
		t.Errorf("expected lookup by call SID, got %s", *api.listParams.CallSid)
	}

	api.recordings = nil
	if rec, err := c.LatestRecording(context.Background(), "CA1"); err != nil || rec != nil {
		t.Errorf("expected nil recording, got %+v %v", rec, err)
	}
}

func TestCancelledContextSkipsRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api := &fakeVoiceAPI{}
	c := &Client{api: api, fromNumber: "+15550000000"}

	if _, err := c.LatestRecording(ctx, "CA1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from LatestRecording, got %v", err)
	}
	if api.listParams != nil {
		t.Error("expected no recording lookup after cancellation")
	}

	if _, err := c.PlaceCall(ctx, CallRequest{To: "+15551112222", BaseURL: "https://example.com"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from PlaceCall, got %v", err)
	}
	if api.call != nil {
		t.Error("expected no call placed after cancellation")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_PHONE_NUMBER", "")
	if _, err := NewClient(); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); !errors.Is(err, ErrMissingFromNumber) {
		t.Errorf("expected ErrMissingFromNumber, got %v", err)
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if sid, tok := c.Credentials(); sid != "AC1" || tok != "tok" {
		t.Errorf("unexpected credentials %s %s", sid, tok)
	}
}

func TestTwiMLResponses(t *testing.T) {
	listen, err := ListenResponse(AgentResponseURL("refill_request"))
	if err != nil {
		t.Fatalf("ListenResponse failed: %v", err)
	}
	for _, want := range []string{"<Gather", `input="speech"`, `timeout="20"`, "/handle-agent-response?scenario=refill_request", "Hello?", "<Hangup"} {
		if !strings.Contains(listen, want) {
			t.Errorf("listen TwiML missing %q:\n%s", want, listen)
		}
	}

	reply, err := ReplyResponse("Tuesday works for me.", PathAgentResponse)
	if err != nil {
		t.Fatalf("ReplyResponse failed: %v", err)
	}
	if !strings.Contains(reply, PatientVoice) || !strings.Contains(reply, "Tuesday works for me.") || strings.Index(reply, "<Say") > strings.Index(reply, "<Gather") {
		t.Errorf("unexpected reply TwiML:\n%s", reply)
	}
	if strings.Contains(reply, HelloPrompt) || strings.LastIndex(reply, NoReplyClose) < strings.Index(reply, "<Gather") {
		t.Errorf("expected goodbye after the gather in reply TwiML:\n%s", reply)
	}

	closing, err := CloseResponse("No, that's all. Thank you!")
	if err != nil {
		t.Fatalf("CloseResponse failed: %v", err)
	}
	if strings.Contains(closing, "<Gather") || !strings.Contains(closing, "<Hangup") {
		t.Errorf("unexpected close TwiML:\n%s", closing)
	}

	silent, err := SilentResponse()
	if err != nil {
		t.Fatalf("SilentResponse failed: %v", err)
	}
	if strings.Contains(silent, "<Say") || !strings.Contains(silent, "Response") {
		t.Errorf("unexpected silent TwiML:\n%s", silent)
	}
}

// sign computes a Twilio request signature.
func sign(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k + params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	v := NewSignatureValidator("secret", "https://example.ngrok.app")
	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"Hello"}}

	req := testutil.NewFormRequest(t, http.MethodPost, "/handle-agent-response?scenario=x", form)
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm failed: %v", err)
	}
	req.Header.Set(SignatureHeader, sign("secret", "https://example.ngrok.app/handle-agent-response?scenario=x", map[string]string{"CallSid": "CA1", "SpeechResult": "Hello"}))
	if !v.Valid(req) {
		t.Error("expected valid signature")
	}

	req.Header.Set(SignatureHeader, "bogus")
	if v.Valid(req) {
		t.Error("expected invalid signature")
	}
	req.Header.Del(SignatureHeader)
	if v.Valid(req) {
		t.Error("expected missing signature to be invalid")
	}
}
