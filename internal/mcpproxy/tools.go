package mcpproxy

// Synthetic tool names handled locally instead of being forwarded.
const (
	toolCallAndSpeak    = "call_and_speak"
	toolCallAndConverse = "call_and_converse"
	toolCheckCallResult = "check_call_result"
)

// hiddenTools are subordinate tools used internally by synthetic tools but
// never exposed to the client.
var hiddenTools = map[string]struct{}{
	"dial_calls": {},
}

// ToolDescriptor is a tool entry in a tools/list response.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// syntheticTools returns the descriptors merged ahead of the subordinate's
// own tool list.
func syntheticTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name: toolCallAndSpeak,
			Description: "Make an outbound phone call and automatically speak a message when answered.\n\n" +
				"Uses Answering Machine Detection (AMD) to determine if a human or voicemail answers. " +
				"The message is spoken either way; use check_call_result afterwards to find out who picked up.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"connection_id": stringProp("The ID of the Call Control App to use for the call"),
					"to":            stringProp("The destination phone number in E.164 format (e.g., +15551234567)"),
					"from":          stringProp("The phone number to call from in E.164 format"),
					"message":       stringProp("The message to speak when the call is answered (text-to-speech)"),
				},
				"required": []any{"connection_id", "to", "message"},
			},
		},
		{
			Name: toolCallAndConverse,
			Description: "Make an outbound phone call and hold a live multi-turn spoken conversation.\n\n" +
				"The callee's speech is transcribed; after each pause an LLM generates the next reply, " +
				"which is synthesized and played on the call. The conversation wraps up automatically " +
				"after max_turns exchanges. Use check_call_result afterwards to read the transcript.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"connection_id":   stringProp("The ID of the Call Control App to use for the call"),
					"to":              stringProp("The destination phone number in E.164 format"),
					"from":            stringProp("The phone number to call from in E.164 format"),
					"system_prompt":   stringProp("Instructions that steer the conversation (persona, goal, constraints)"),
					"initial_message": stringProp("The opening line spoken as soon as the call is answered"),
					"max_turns":       map[string]any{"type": "integer", "description": "Maximum number of back-and-forth exchanges before saying goodbye"},
				},
				"required": []any{"connection_id", "to", "system_prompt", "initial_message"},
			},
		},
		{
			Name: toolCheckCallResult,
			Description: "Check if a call was answered by a human or went to voicemail.\n\n" +
				"Use this after making a call with call_and_speak or call_and_converse. " +
				"Wait at least 30 seconds after initiating the call before checking.\n\n" +
				"Returns:\n" +
				"- answered_by: 'human' if a person answered, 'machine' if voicemail, 'not_sure' if unclear\n" +
				"- status: 'in_progress' if the call is still active, 'completed' if it has ended\n" +
				"- hangup_cause: reason the call ended (if completed)",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"call_control_id": stringProp("The call_control_id returned from call_and_speak or call_and_converse"),
				},
				"required": []any{"call_control_id"},
			},
		},
	}
}

func isSyntheticTool(name string) bool {
	switch name {
	case toolCallAndSpeak, toolCallAndConverse, toolCheckCallResult:
		return true
	}
	return false
}
