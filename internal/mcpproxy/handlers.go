package mcpproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voicereach-ai/voicereach/internal/dispatch"
)

// Error classes surfaced by synthetic tool handlers. They become tool
// error results, never protocol-level failures.
var (
	// ErrInvalidArgument marks a caller error: a required field is missing.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDownstreamUnavailable marks a failing subordinate or orchestration
	// server; the caller should not retry automatically at this layer.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
)

// handleSyntheticCall dispatches a synthetic tools/call and replies to the
// client with either a text result or a tool error result.
func (p *Proxy) handleSyntheticCall(msg map[string]any, name string) {
	originalID := captureID(msg)
	params, _ := msg["params"].(map[string]any)
	args, _ := params["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	var result any
	var err error
	switch name {
	case toolCallAndSpeak:
		result, err = p.callAndSpeak(args)
	case toolCallAndConverse:
		result, err = p.callAndConverse(args)
	case toolCheckCallResult:
		result, err = p.checkCallResult(args)
	default:
		err = fmt.Errorf("unknown synthetic tool: %s", name)
	}

	if err != nil {
		p.logger.Error("mcpproxy: synthetic tool failed", "tool", name, "error", err)
		p.sendToClient(map[string]any{
			"jsonrpc": "2.0",
			"id":      originalID,
			"result": map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "Error: " + err.Error()}},
				"isError": true,
			},
		})
		return
	}

	text, merr := json.MarshalIndent(result, "", "  ")
	if merr != nil {
		text = []byte(fmt.Sprintf("%v", result))
	}
	p.sendToClient(map[string]any{
		"jsonrpc": "2.0",
		"id":      originalID,
		"result": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": string(text)}},
		},
	})
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func requireArgs(args map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if stringArg(args, k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required parameters: %s", ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return nil
}

// callAndSpeak dials with the message encoded into the opaque session
// token; the orchestration server speaks it when the call is answered.
func (p *Proxy) callAndSpeak(args map[string]any) (any, error) {
	if err := requireArgs(args, "connection_id", "to", "message"); err != nil {
		return nil, err
	}
	to := stringArg(args, "to")
	message := stringArg(args, "message")

	dialArgs := map[string]any{
		"connection_id":               stringArg(args, "connection_id"),
		"to":                          to,
		"client_state":                dispatch.EncodeSessionToken(message),
		"answering_machine_detection": "detect_beep",
	}
	if from := stringArg(args, "from"); from != "" {
		dialArgs["from"] = from
	}

	resp, err := p.dial(dialArgs)
	if err != nil {
		return nil, err
	}
	callControlID := extractCallControlID(resp)

	ack := map[string]any{
		"success": true,
		"message": fmt.Sprintf("Call initiated to %s. The message %q will be spoken when the call is answered.", to, message),
	}
	if callControlID != "" {
		ack["call_control_id"] = callControlID
		ack["tip"] = "Use check_call_result with this call_control_id after ~30 seconds to see if a human answered or it went to voicemail."
	}
	return ack, nil
}

// callAndConverse dials plainly (the spoken content is driven live) and
// registers the conversation with the orchestration server before the
// acknowledgement reaches the client.
func (p *Proxy) callAndConverse(args map[string]any) (any, error) {
	if err := requireArgs(args, "connection_id", "to", "system_prompt", "initial_message"); err != nil {
		return nil, err
	}
	to := stringArg(args, "to")

	dialArgs := map[string]any{
		"connection_id": stringArg(args, "connection_id"),
		"to":            to,
	}
	if from := stringArg(args, "from"); from != "" {
		dialArgs["from"] = from
	}

	resp, err := p.dial(dialArgs)
	if err != nil {
		return nil, err
	}
	callControlID := extractCallControlID(resp)
	if callControlID == "" {
		return nil, fmt.Errorf("%w: dial succeeded but no call_control_id was returned; conversation not registered", ErrDownstreamUnavailable)
	}

	maxTurns := 0
	if v, ok := args["max_turns"].(float64); ok {
		maxTurns = int(v)
	}
	req := StartConversationRequest{
		CallControlID:  callControlID,
		SystemPrompt:   stringArg(args, "system_prompt"),
		InitialMessage: stringArg(args, "initial_message"),
		MaxTurns:       maxTurns,
	}
	if err := p.orchestrator.RegisterConversation(context.Background(), req); err != nil {
		// The call is already ringing; the caller gets the failure but no
		// automatic remediation happens at this layer.
		return nil, fmt.Errorf("%w: conversation registration failed after dial: %v", ErrDownstreamUnavailable, err)
	}

	return map[string]any{
		"success":         true,
		"call_control_id": callControlID,
		"message":         fmt.Sprintf("Call initiated to %s. A live conversation will start when the call is answered.", to),
		"tip":             "Use check_call_result with this call_control_id after the call to read the conversation transcript.",
	}, nil
}

// checkCallResult queries the orchestration server. An unknown call is a
// soft "retry later" result, not an error.
func (p *Proxy) checkCallResult(args map[string]any) (any, error) {
	if err := requireArgs(args, "call_control_id"); err != nil {
		return nil, err
	}

	result, err := p.orchestrator.CallResult(context.Background(), stringArg(args, "call_control_id"))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check call result: %v", ErrDownstreamUnavailable, err)
	}

	if found, _ := result["found"].(bool); !found {
		return map[string]any{
			"found":   false,
			"message": "Call not found. It may still be ringing, or the call_control_id is incorrect. Try again in a few seconds.",
		}, nil
	}

	switch result["answered_by"] {
	case "human":
		result["interpretation"] = "A human answered the call."
	case "machine":
		result["interpretation"] = "The call went to voicemail."
	default:
		result["interpretation"] = "Could not determine if human or voicemail."
	}
	return result, nil
}

// dial invokes the hidden dial_calls subordinate tool and unwraps errors.
func (p *Proxy) dial(args map[string]any) (map[string]any, error) {
	resp := p.callSubordinateTool("dial_calls", args)
	result, _ := resp["result"].(map[string]any)
	if result == nil {
		if rpcErr, ok := resp["error"].(map[string]any); ok {
			return nil, fmt.Errorf("%w: dial_calls failed: %v", ErrDownstreamUnavailable, rpcErr["message"])
		}
		return nil, fmt.Errorf("%w: dial_calls returned no result", ErrDownstreamUnavailable)
	}
	if isErr, _ := result["isError"].(bool); isErr {
		return nil, fmt.Errorf("%w: %s", ErrDownstreamUnavailable, firstContentText(result))
	}
	return result, nil
}

// extractCallControlID digs the call identifier out of the nested dial
// result payload. Absence is non-fatal; the caller just will not get a
// usable identifier back.
func extractCallControlID(result map[string]any) string {
	text := firstContentText(result)
	if text == "" {
		return ""
	}
	var parsed struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return ""
	}
	return parsed.Data.CallControlID
}

func firstContentText(result map[string]any) string {
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		return ""
	}
	entry, _ := content[0].(map[string]any)
	text, _ := entry["text"].(string)
	return text
}
