package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicereach-ai/voicereach/internal/callstate"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// resultSource serves call result lookups; callstate.Registry in production.
type resultSource interface {
	Result(ctx context.Context, callControlID string) (callstate.Result, bool)
}

// conversationRegistrar registers multi-turn conversations before the
// first webhook event for the call arrives.
type conversationRegistrar interface {
	Register(callControlID, systemPrompt, initialMessage string, maxTurns int) error
}

// CallResultHandler serves call result queries and conversation
// registration for the stdio proxy's synthetic tools.
type CallResultHandler struct {
	results         resultSource
	conversations   conversationRegistrar
	defaultMaxTurns int
	logger          *logging.Logger
}

// CallResultConfig configures the CallResultHandler.
type CallResultConfig struct {
	Results resultSource
	// Conversations is optional; without it registration returns 503.
	Conversations   conversationRegistrar
	DefaultMaxTurns int
	Logger          *logging.Logger
}

// NewCallResultHandler creates the handler.
func NewCallResultHandler(cfg CallResultConfig) *CallResultHandler {
	if cfg.DefaultMaxTurns <= 0 {
		cfg.DefaultMaxTurns = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &CallResultHandler{
		results:         cfg.Results,
		conversations:   cfg.Conversations,
		defaultMaxTurns: cfg.DefaultMaxTurns,
		logger:          cfg.Logger,
	}
}

// callResultResponse is the wire shape of a result lookup.
type callResultResponse struct {
	Found   bool   `json:"found"`
	Message string `json:"message,omitempty"`
	*callstate.Result
}

// GetResult is the HTTP handler for GET /call-result/{callControlID}.
// An unknown call is a soft miss, not an error: the call may still be
// ringing, so the client is told to retry rather than given a failure.
func (h *CallResultHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	callControlID := chi.URLParam(r, "callControlID")
	result, found := h.results.Result(r.Context(), callControlID)
	if !found {
		writeJSON(w, http.StatusOK, callResultResponse{
			Found:   false,
			Message: "Call not found or not yet answered. The call may still be ringing.",
		})
		return
	}
	writeJSON(w, http.StatusOK, callResultResponse{Found: true, Result: &result})
}

// startConversationRequest registers a conversation for a just-dialed call.
type startConversationRequest struct {
	CallControlID  string `json:"callControlId"`
	SystemPrompt   string `json:"systemPrompt"`
	InitialMessage string `json:"initialMessage"`
	MaxTurns       int    `json:"maxTurns"`
}

// StartConversation is the HTTP handler for POST /start-conversation.
func (h *CallResultHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	if h.conversations == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "conversation engine not configured",
		})
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	var missing []string
	if strings.TrimSpace(req.CallControlID) == "" {
		missing = append(missing, "callControlId")
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		missing = append(missing, "systemPrompt")
	}
	if strings.TrimSpace(req.InitialMessage) == "" {
		missing = append(missing, "initialMessage")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = h.defaultMaxTurns
	}

	if err := h.conversations.Register(req.CallControlID, req.SystemPrompt, req.InitialMessage, maxTurns); err != nil {
		h.logger.Error("conversation registration failed",
			"error", err, "call_control_id", req.CallControlID)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered":      true,
		"call_control_id": req.CallControlID,
		"max_turns":       maxTurns,
	})
}

// HealthCheck reports service identity.
func (h *CallResultHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "voicereach",
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
