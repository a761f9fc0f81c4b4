package telephony

import (
	"net/url"

	"github.com/twilio/twilio-go/twiml"
)

// PatientVoice is the text-to-speech voice used for the simulated patient.
const PatientVoice = "Polly.Matthew-Neural"

// Lines spoken outside of the conversation flow.
const (
	HelloPrompt  = "Hello?"
	NoReplyClose = "Thank you, goodbye."
	CannotGoOn   = "I'm sorry, I have to go now. Goodbye."
	speechInput  = "speech"
	speechLocale = "en-US"
)

func say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Message: text, Voice: PatientVoice}
}

func gather(action, timeout string) *twiml.VoiceGather {
	return &twiml.VoiceGather{
		Input:         speechInput,
		Action:        action,
		Method:        "POST",
		Timeout:       timeout,
		SpeechTimeout: "3",
		Language:      speechLocale,
	}
}

// AgentResponseURL is the Gather action for the next agent utterance. It is relative,
// so Twilio resolves it against the public URL of the current webhook.
func AgentResponseURL(scenario string) string {
	if scenario == "" {
		return PathAgentResponse
	}
	return PathAgentResponse + "?scenario=" + url.QueryEscape(scenario)
}

// ListenResponse waits for the agent's greeting. If nothing is heard the patient says
// hello and hangs up.
func ListenResponse(action string) (string, error) {
	return twiml.Voice([]twiml.Element{
		gather(action, "20"),
		&twiml.VoicePause{Length: "1"},
		say(HelloPrompt),
		&twiml.VoiceHangup{},
	})
}

// ReplyResponse speaks the patient's reply and listens for the agent again. If the
// agent says nothing more the patient says goodbye and hangs up.
func ReplyResponse(text, action string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoicePause{Length: "1"},
		say(text),
		gather(action, "10"),
		&twiml.VoicePause{Length: "1"},
		say(NoReplyClose),
		&twiml.VoiceHangup{},
	})
}

// CloseResponse speaks a final line and hangs up.
func CloseResponse(text string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoicePause{Length: "1"},
		say(text),
		&twiml.VoiceHangup{},
	})
}

// SilentResponse says nothing and leaves the agent to end the call.
func SilentResponse() (string, error) {
	return twiml.Voice([]twiml.Element{})
}

// CannotContinueResponse ends a call the process has no session for.
func CannotContinueResponse() (string, error) {
	return CloseResponse(CannotGoOn)
}
