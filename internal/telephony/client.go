// Package telephony wraps the Twilio Programmable Voice API for placing test calls,
// looking up recordings and rendering TwiML.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// apiBaseURL prefixes the relative URIs returned for recordings.
const apiBaseURL = "https://api.twilio.com"

// Webhook paths served by the API package.
const (
	PathVoice             = "/voice"
	PathAgentResponse     = "/handle-agent-response"
	PathRecordingComplete = "/recording-complete"
	PathCallStatus        = "/call-status"
)

var (
	// ErrMissingCredentials is returned when the account SID or auth token is empty.
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	// ErrMissingFromNumber is returned when no caller number is configured.
	ErrMissingFromNumber = errors.New("from number must be provided")
	// ErrMissingBaseURL is returned when a call is placed without a public webhook URL.
	ErrMissingBaseURL = errors.New("BASE_URL must be set to a publicly reachable URL")
)

// voiceAPI is the subset of the Twilio REST API the client uses.
type voiceAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	ListRecording(params *twilioApi.ListRecordingParams) ([]twilioApi.ApiV2010Recording, error)
}

// Caller places outbound test calls and finds their recordings.
type Caller interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
	LatestRecording(ctx context.Context, callSID string) (*Recording, error)
}

// Opts holds configuration for the voice client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option configures the voice client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 number calls are placed from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST API for voice calls.
type Client struct {
	api        voiceAPI
	accountSID string
	authToken  string
	fromNumber string
}

// CallRequest describes one outbound test call.
type CallRequest struct {
	To       string
	BaseURL  string
	Scenario string
}

// Recording is the metadata of a finished call recording.
type Recording struct {
	SID             string
	MediaURL        string // without extension; append .mp3 or .wav
	DurationSeconds int
}

// NewClient creates a voice client, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER for unset options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	slog.Debug("telephony.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromNumber == "" {
		return nil, ErrMissingFromNumber
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		api:        rest.Api,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
	}, nil
}

// Credentials returns the account SID and auth token, used for recording downloads.
func (c *Client) Credentials() (string, string) {
	return c.accountSID, c.authToken
}

// PlaceCall starts a recorded outbound call whose webhooks run the named scenario.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	base := strings.TrimRight(req.BaseURL, "/")
	if base == "" {
		return "", ErrMissingBaseURL
	}
	if !strings.HasPrefix(base, "https://") {
		slog.Warn("Client.PlaceCall: BASE_URL is not HTTPS, Twilio may reject webhooks", "baseURL", base)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.fromNumber)
	params.SetUrl(VoiceURL(base, req.Scenario))
	params.SetMethod("POST")
	params.SetRecord(true)
	params.SetRecordingStatusCallback(base + PathRecordingComplete)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetStatusCallback(base + PathCallStatus)
	params.SetStatusCallbackMethod("POST")

	// The REST client takes no context, so cancellation is honored before the request.
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("failed to place call to %s: %w", req.To, err)
	}
	call, err := c.api.CreateCall(params)
	if err != nil {
		slog.Error("Client.PlaceCall: call failed", "to", req.To, "scenario", req.Scenario, "error", err, "hint", FailureHint(err))
		return "", fmt.Errorf("failed to place call to %s: %w", req.To, err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("failed to place call to %s: no call SID returned", req.To)
	}

	slog.Info("Client.PlaceCall: call placed", "callSID", *call.Sid, "to", req.To, "scenario", req.Scenario)
	return *call.Sid, nil
}

// LatestRecording returns the most recent recording for a call, or nil if none exists.
func (c *Client) LatestRecording(ctx context.Context, callSID string) (*Recording, error) {
	params := &twilioApi.ListRecordingParams{}
	params.SetCallSid(callSID)
	params.SetLimit(1)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to list recordings for %s: %w", callSID, err)
	}
	recs, err := c.api.ListRecording(params)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings for %s: %w", callSID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	r := recs[0]
	out := &Recording{}
	if r.Sid != nil {
		out.SID = *r.Sid
	}
	if r.Uri != nil {
		out.MediaURL = apiBaseURL + strings.TrimSuffix(*r.Uri, ".json")
	}
	if r.Duration != nil {
		out.DurationSeconds, _ = strconv.Atoi(*r.Duration)
	}
	return out, nil
}

// VoiceURL is the webhook Twilio fetches when the call connects.
func VoiceURL(baseURL, scenario string) string {
	u := strings.TrimRight(baseURL, "/") + PathVoice
	if scenario != "" {
		u += "?scenario=" + url.QueryEscape(scenario)
	}
	return u
}

// FailureHint maps common Twilio errors to a likely fix.
func FailureHint(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "20003") || strings.Contains(msg, "authenticate"):
		return "check TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN"
	case strings.Contains(msg, "21210") || strings.Contains(msg, "21211") || strings.Contains(msg, "phone number"):
		return "phone numbers must be in E.164 format, e.g. +15551234567"
	case strings.Contains(msg, "balance") || strings.Contains(msg, "funds") || strings.Contains(msg, "20005"):
		return "check the Twilio account balance"
	default:
		return "see the Twilio console debugger for details"
	}
}
