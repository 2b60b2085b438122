package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/voicereach-ai/voicereach/internal/dispatch"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// eventDispatcher routes typed call events; dispatch.Dispatcher in production.
type eventDispatcher interface {
	Dispatch(ev dispatch.Event)
}

// CallWebhookHandler handles inbound call control webhooks. The platform
// treats delivery as fire-and-forget, so the handler acknowledges with 200
// no matter what happens downstream.
type CallWebhookHandler struct {
	dispatcher eventDispatcher
	logger     *logging.Logger
}

// CallWebhookConfig configures the CallWebhookHandler.
type CallWebhookConfig struct {
	Dispatcher eventDispatcher
	Logger     *logging.Logger
}

// NewCallWebhookHandler creates a webhook handler.
func NewCallWebhookHandler(cfg CallWebhookConfig) *CallWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &CallWebhookHandler{
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}
}

// callEventEnvelope is the platform's webhook wrapper.
type callEventEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID     string `json:"call_control_id"`
			ClientState       string `json:"client_state"`
			Result            string `json:"result"`
			HangupCause       string `json:"hangup_cause"`
			TranscriptionData struct {
				Transcript string `json:"transcript"`
			} `json:"transcription_data"`
		} `json:"payload"`
	} `json:"data"`
}

// Handle is the HTTP handler for POST /webhook.
func (h *CallWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Warn("webhook: failed to read body", "error", err)
		return
	}

	var envelope callEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.Warn("webhook: failed to parse envelope", "error", err)
		return
	}
	if envelope.Data.EventType == "" {
		h.logger.Debug("webhook: received empty event")
		return
	}

	h.dispatcher.Dispatch(dispatch.Event{
		Type:          envelope.Data.EventType,
		CallControlID: envelope.Data.Payload.CallControlID,
		ClientState:   envelope.Data.Payload.ClientState,
		AMDResult:     envelope.Data.Payload.Result,
		Transcript:    envelope.Data.Payload.TranscriptionData.Transcript,
		HangupCause:   envelope.Data.Payload.HangupCause,
	})
}
