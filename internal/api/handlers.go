package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/scenario"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/go-chi/chi/v5"
)

// PlaceCallRequest is the body of POST /calls.
type PlaceCallRequest struct {
	Scenario string `json:"scenario"`
	To       string `json:"to,omitempty"`
}

// PlaceCallResult is returned when a call is queued.
type PlaceCallResult struct {
	CallSID  string `json:"call_sid"`
	Scenario string `json:"scenario"`
	To       string `json:"to"`
}

func (s *Server) placeCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.cfg.Caller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Telephony client not configured"))
		return
	}
	var req PlaceCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.placeCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Scenario == "" {
		req.Scenario = s.cfg.DefaultScenario
	}
	if req.To == "" {
		req.To = s.cfg.TestLineNumber
	}
	if req.To == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: to"))
		return
	}
	if _, err := s.scenarios.Scenario(req.Scenario); err != nil {
		if errors.Is(err, scenario.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown scenario: "+req.Scenario))
			return
		}
		slog.Error("Server.placeCallHandler: scenario failed to load", "scenario", req.Scenario, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Scenario failed to load: "+err.Error()))
		return
	}

	callSID, err := s.cfg.Caller.PlaceCall(r.Context(), telephony.CallRequest{
		To:       req.To,
		BaseURL:  s.cfg.BaseURL,
		Scenario: req.Scenario,
	})
	s.cfg.Metrics.CallPlaced(err)
	if err != nil {
		if errors.Is(err, telephony.ErrMissingBaseURL) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
			return
		}
		slog.Error("Server.placeCallHandler: call failed", "to", req.To, "scenario", req.Scenario,
			"error", err, "hint", telephony.FailureHint(err))
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to place call: "+telephony.FailureHint(err)))
		return
	}

	slog.Info("Server.placeCallHandler: call queued", "callSID", callSID, "to", req.To, "scenario", req.Scenario)
	writeJSONResponse(w, http.StatusCreated, models.Queued("Call queued", PlaceCallResult{
		CallSID:  callSID,
		Scenario: req.Scenario,
		To:       req.To,
	}))
}

func (s *Server) scenariosHandler(w http.ResponseWriter, r *http.Request) {
	defs, err := s.scenarios.List()
	if err != nil {
		slog.Error("Server.scenariosHandler: failed to list scenarios", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scenarios"))
		return
	}
	infos := make([]*models.ScenarioInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, scenario.Info(def, 0))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(infos))
}

// transcriptHandler returns the stored transcript. ?format=text renders plain
// "Speaker: text" lines, and ?source=whisper prefers the Whisper transcription.
func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Transcript store not configured"))
		return
	}
	callSID := chi.URLParam(r, "callSid")
	doc, err := s.transcripts.Load(callSID)
	if err != nil {
		slog.Warn("Server.transcriptHandler: load failed", "callSID", callSID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to load transcript"))
		return
	}
	if doc == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Transcript not found"))
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		source := models.TranscriptSource(r.URL.Query().Get("source"))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(doc.ConversationText(source) + "\n")); err != nil {
			slog.Error("Server.transcriptHandler: failed to write transcript", "error", err)
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(doc))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":          "healthy",
		"active_sessions": s.conv.Registry().Len(),
	}))
}
