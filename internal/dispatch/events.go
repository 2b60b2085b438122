package dispatch

import (
	"encoding/base64"
	"encoding/json"
)

// Call control webhook event types.
const (
	EventMachineDetectionEnded = "call.machine.detection.ended"
	EventTranscription         = "call.transcription"
	EventAnswered              = "call.answered"
	EventPlaybackEnded         = "call.playback.ended"
	EventSpeakEnded            = "call.speak.ended"
	EventHangup                = "call.hangup"
)

// Event is a typed call control webhook event. Events are ordered within a
// call and interleaved across calls.
type Event struct {
	Type          string
	CallControlID string
	// ClientState is the opaque base64 session token attached at dial time.
	ClientState string
	// AMDResult is human|machine|not_sure|unknown on machine detection events.
	AMDResult string
	// Transcript is the fragment text on transcription events.
	Transcript string
	// HangupCause is set on hangup events.
	HangupCause string
}

// sessionToken is the decoded payload of the opaque client_state token.
type sessionToken struct {
	Message string `json:"message"`
}

// decodeSessionToken extracts the message from a base64 JSON session token.
// Malformed or absent tokens degrade to not-ok rather than failing; the
// caller substitutes a default message.
func decodeSessionToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	var st sessionToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", false
	}
	if st.Message == "" {
		return "", false
	}
	return st.Message, true
}

// EncodeSessionToken builds the opaque client_state token attached to
// outbound dial requests.
func EncodeSessionToken(message string) string {
	raw, _ := json.Marshal(sessionToken{Message: message})
	return base64.StdEncoding.EncodeToString(raw)
}
