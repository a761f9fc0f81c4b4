package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/PromptCall/internal/flow"
	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/telephony"
)

// terminalCallStatuses are the CallStatus values after which Twilio sends no more webhooks.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func (s *Server) scenarioParam(r *http.Request) string {
	if name := strings.TrimSpace(r.URL.Query().Get("scenario")); name != "" {
		return name
	}
	return s.cfg.DefaultScenario
}

// voiceHandler answers the outbound call: it creates the session and listens for the
// agent's greeting.
func (s *Server) voiceHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.voiceHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	callSID := r.PostForm.Get("CallSid")
	scenarioName := s.scenarioParam(r)
	if callSID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: CallSid"))
		return
	}
	slog.Info("Server.voiceHandler: call connected", "callSID", callSID, "scenario", scenarioName)

	if err := s.conv.Start(r.Context(), callSID, scenarioName); err != nil {
		if errors.Is(err, flow.ErrUnknownScenario) {
			slog.Error("Server.voiceHandler: unknown scenario", "callSID", callSID, "scenario", scenarioName)
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown scenario: "+scenarioName))
			return
		}
		slog.Error("Server.voiceHandler: failed to start call", "callSID", callSID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start call"))
		return
	}

	action := telephony.AgentResponseURL(scenarioName)
	writeTwiML(w, func() (string, error) { return telephony.ListenResponse(action) })
}

// agentResponseHandler runs one turn for the agent's transcribed speech.
func (s *Server) agentResponseHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.agentResponseHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	callSID := r.PostForm.Get("CallSid")
	speech := strings.TrimSpace(r.PostForm.Get("SpeechResult"))
	action := telephony.AgentResponseURL(s.scenarioParam(r))

	if speech == "" {
		// Nothing recognised: keep listening without counting a turn.
		slog.Debug("Server.agentResponseHandler: empty speech result", "callSID", callSID)
		writeTwiML(w, func() (string, error) { return telephony.ListenResponse(action) })
		return
	}

	confidence := parseConfidence(r.PostForm.Get("Confidence"))
	slog.Info("Server.agentResponseHandler: agent said", "callSID", callSID, "text", speech, "confidence", confidence)

	res, err := s.conv.HandleUtterance(r.Context(), flow.Event{CallSID: callSID, Utterance: speech, Confidence: confidence})
	if err != nil {
		if !errors.Is(err, flow.ErrUnknownCall) {
			slog.Error("Server.agentResponseHandler: turn failed", "callSID", callSID, "error", err)
		} else {
			slog.Warn("Server.agentResponseHandler: no session for call, hanging up", "callSID", callSID)
		}
		writeTwiML(w, telephony.CannotContinueResponse)
		return
	}

	slog.Info("Server.agentResponseHandler: patient reply", "callSID", callSID,
		"outcome", res.Outcome, "source", res.Source, "ended", res.Ended, "text", res.Text)
	switch {
	case res.Text == "":
		writeTwiML(w, telephony.SilentResponse)
	case res.Ended:
		writeTwiML(w, func() (string, error) { return telephony.CloseResponse(res.Text) })
	default:
		writeTwiML(w, func() (string, error) { return telephony.ReplyResponse(res.Text, action) })
	}
}

// recordingCompleteHandler acknowledges the recording callback at once and downloads
// in the background, since Twilio times out webhooks after 15 seconds.
func (s *Server) recordingCompleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	callSID := r.PostForm.Get("CallSid")
	recordingURL := r.PostForm.Get("RecordingUrl")
	status := r.PostForm.Get("RecordingStatus")
	slog.Info("Server.recordingCompleteHandler: recording callback", "callSID", callSID,
		"recordingSID", r.PostForm.Get("RecordingSid"), "status", status,
		"durationSeconds", r.PostForm.Get("RecordingDuration"))

	if s.cfg.Recordings == nil || callSID == "" || (status != "" && status != "completed") {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Recording ignored", nil))
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordingTimeout)
		defer cancel()
		path, err := s.cfg.Recordings.HandleRecording(ctx, callSID, recordingURL)
		if err != nil {
			slog.Error("Server.recordingCompleteHandler: recording processing failed", "callSID", callSID, "error", err)
			return
		}
		slog.Debug("Server.recordingCompleteHandler: recording processed", "callSID", callSID, "path", path)
	}()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Recording accepted", nil))
}

// callStatusHandler writes the final transcript once the call reaches a terminal status.
func (s *Server) callStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	duration, _ := strconv.Atoi(r.PostForm.Get("CallDuration"))
	slog.Info("Server.callStatusHandler: status update", "callSID", callSID, "status", status, "durationSeconds", duration)

	if callSID != "" && terminalCallStatuses[status] {
		s.conv.Complete(r.Context(), callSID, duration)
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Status received", nil))
}

// parseConfidence reads Twilio's STT confidence. A missing value counts as certain and
// an unreadable one as 0, which marks the utterance as unclear.
func parseConfidence(raw string) float64 {
	if raw == "" {
		return 1.0
	}
	c, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		slog.Warn("Server.agentResponseHandler: unreadable confidence", "confidence", raw, "error", err)
		return 0
	}
	return c
}
