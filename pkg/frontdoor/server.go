// Package frontdoor is the HTTP surface: the carrier-facing call-control
// webhooks, the media-stream WebSocket upgrade, and the JSON API used for
// tool-handler testing and post-call reporting.
package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/spa-voice-bridge/pkg/booking"
	"github.com/birddigital/spa-voice-bridge/pkg/bridge"
	"github.com/birddigital/spa-voice-bridge/pkg/callsessions"
	"github.com/birddigital/spa-voice-bridge/pkg/carrier"
	"github.com/birddigital/spa-voice-bridge/pkg/config"
	"github.com/birddigital/spa-voice-bridge/pkg/conversationlog"
	"github.com/birddigital/spa-voice-bridge/pkg/dispatch"
	"github.com/birddigital/spa-voice-bridge/pkg/logging"
)

// welcomePhrase is spoken once, in Italian, before the carrier connects the
// media stream.
const welcomePhrase = "Grazie per aver chiamato. Un attimo di pazienza."

// Server wires the HTTP surface to its collaborators.
type Server struct {
	cfg       *config.Config
	log       *logging.Logger
	bridge    *bridge.Bridge
	callStore *callsessions.Store
	convLog   *conversationlog.Store
	booking   *booking.Client
	dispatch  *dispatch.Dispatcher
}

// New builds a Server.
func New(cfg *config.Config, log *logging.Logger, br *bridge.Bridge, callStore *callsessions.Store, convLog *conversationlog.Store, bookingClient *booking.Client, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		bridge:    br,
		callStore: callStore,
		convLog:   convLog,
		booking:   bookingClient,
		dispatch:  dispatcher,
	}
}

// RegisterRoutes wires every HTTP endpoint onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleStatus)
	mux.HandleFunc("POST /webhook/incoming-call", s.handleIncomingCall)
	mux.HandleFunc("POST /webhook/call-status", s.handleCallStatus)
	mux.HandleFunc("POST /api/function-handler", s.handleFunctionHandler)
	mux.HandleFunc("GET /api/bookings/{date}", s.handleBookingsByDate)
	mux.HandleFunc("GET /api/conversations/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/conversations/{id}/export", s.handleExport)
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)

	s.log.Info("frontdoor: routes registered")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "spa-voice-bridge",
		"version":  "1.0.0",
		"model":    s.cfg.OpenAIModel,
		"database": "connected",
	})
}

// handleIncomingCall writes the initial call_sessions row and returns the
// carrier's call-control markup pointing it at /media-stream. On failure it
// returns a generic apology-and-hangup markup rather than an HTTP error,
// since the carrier expects markup, not a JSON error body.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.speakFailureAndHangup(w, "malformed incoming-call request")
		return
	}

	from := r.FormValue("From")
	to := r.FormValue("To")
	callSid := r.FormValue("CallSid")
	if callSid == "" || from == "" {
		s.log.Warn("frontdoor: incoming-call missing required fields", "call_sid", callSid, "from", from)
		s.speakFailureAndHangup(w, "siamo spiacenti, si è verificato un errore. Arrivederci.")
		return
	}

	id := uuid.New()
	if err := s.callStore.Create(r.Context(), id, callSid, from, to, time.Now().UTC()); err != nil {
		s.log.Error("frontdoor: failed to create call_sessions row", "err", err, "call_sid", callSid)
		s.speakFailureAndHangup(w, "siamo spiacenti, si è verificato un errore. Arrivederci.")
		return
	}

	markup, err := buildConnectMarkup(s.cfg.MediaStreamURL(), from, callSid, to, welcomePhrase)
	if err != nil {
		s.log.Error("frontdoor: failed to marshal connect markup", "err", err)
		s.speakFailureAndHangup(w, "siamo spiacenti, si è verificato un errore. Arrivederci.")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(markup)
}

func (s *Server) speakFailureAndHangup(w http.ResponseWriter, apology string) {
	markup, err := buildFailureMarkup(apology)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(markup)
}

// handleCallStatus applies the carrier's asynchronous call-status webhook
// to the matching call_sessions row. Failures here are logged, not
// surfaced; the carrier doesn't act on our response.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	callSid := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	var duration *int
	if raw := r.FormValue("Duration"); raw != "" {
		if d, err := strconv.Atoi(raw); err == nil {
			duration = &d
		}
	}

	if err := s.callStore.UpdateFromCarrierStatus(r.Context(), callSid, callStatus, duration); err != nil {
		s.log.Warn("frontdoor: call-status update failed", "err", err, "call_sid", callSid)
	}

	w.WriteHeader(http.StatusOK)
}

type functionHandlerRequest struct {
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
	Context      struct {
		CustomerPhone string `json:"customer_phone"`
	} `json:"context"`
}

// handleFunctionHandler invokes the tool dispatcher out-of-band, independent
// of any live call, for exercising tool contracts in tests.
func (s *Server) handleFunctionHandler(w http.ResponseWriter, r *http.Request) {
	var req functionHandlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.FunctionName == "" {
		http.Error(w, "missing function_name", http.StatusBadRequest)
		return
	}

	argsJSON := string(req.Arguments)
	if argsJSON == "" {
		argsJSON = "{}"
	}

	result, success := s.dispatch.Dispatch(r.Context(), req.FunctionName, argsJSON, req.Context.CustomerPhone)
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "success": success})
}

func (s *Server) handleBookingsByDate(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if date == "" {
		http.Error(w, "missing date", http.StatusBadRequest)
		return
	}

	bookings, err := s.booking.ListByDate(r.Context(), date)
	if err != nil {
		s.log.Error("frontdoor: list bookings failed", "err", err, "date", date)
		http.Error(w, "failed to load bookings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"date": date, "bookings": bookings})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id, turns, _, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "turns": turns})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, turns, invocations, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id":  id,
		"turns":            turns,
		"tool_invocations": invocations,
	})
}

func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) (uuid.UUID, []conversationlog.Turn, []conversationlog.ToolInvocation, bool) {
	rawID := r.PathValue("id")
	id, err := uuid.Parse(rawID)
	if err != nil {
		http.Error(w, "malformed conversation id", http.StatusBadRequest)
		return uuid.UUID{}, nil, nil, false
	}

	if _, err := s.convLog.GetConversation(r.Context(), id); err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return uuid.UUID{}, nil, nil, false
	}

	turns, err := s.convLog.ListTurns(r.Context(), id)
	if err != nil {
		s.log.Error("frontdoor: list turns failed", "err", err, "conversation_id", id)
		http.Error(w, "failed to load transcript", http.StatusInternalServerError)
		return uuid.UUID{}, nil, nil, false
	}

	invocations, err := s.convLog.ListToolInvocations(r.Context(), id)
	if err != nil {
		s.log.Error("frontdoor: list tool invocations failed", "err", err, "conversation_id", id)
		http.Error(w, "failed to load transcript", http.StatusInternalServerError)
		return uuid.UUID{}, nil, nil, false
	}

	return id, turns, invocations, true
}

// handleMediaStream upgrades to the carrier media WebSocket and hands the
// connection to the bridge, which owns it for the lifetime of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := carrier.Accept(w, r, s.log)
	if err != nil {
		s.log.Warn("frontdoor: media-stream upgrade failed", "err", err)
		return
	}
	s.bridge.Run(context.Background(), conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"failed to encode response"}`)
	}
}
