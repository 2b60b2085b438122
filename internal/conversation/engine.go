package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicereach-ai/voicereach/internal/observability/metrics"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

const (
	defaultSilenceWindow = 2500 * time.Millisecond
	defaultGoodbyeGrace  = time.Second
	defaultModel         = "gpt-4o-mini"

	goodbyeInstruction = "The conversation has reached its turn limit. " +
		"Reply with one short, warm closing sentence that wraps up the call."
	fallbackGoodbye = "Thanks so much for talking with me. Have a great day, goodbye!"
)

var engineTracer = otel.Tracer("voicereach.internal.conversation")

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Speaker produces spoken audio on a live call.
type Speaker interface {
	Say(ctx context.Context, callControlID, text string) error
}

// callControl is the slice of the call-control client the engine needs.
type callControl interface {
	StartTranscription(ctx context.Context, callControlID, language string) error
	Hangup(ctx context.Context, callControlID string) error
}

// Engine drives multi-turn spoken conversations. One Engine serves all
// concurrent conversations; per-call state lives in State and per-call
// work is serialized on that state's mutex, so a slow LLM round trip for
// one call never stalls another.
type Engine struct {
	mu    sync.Mutex
	convs map[string]*State

	llm     chatClient
	model   string
	speaker Speaker
	calls   callControl

	silenceWindow time.Duration
	goodbyeGrace  time.Duration
	language      string

	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// EngineConfig configures the conversation engine.
type EngineConfig struct {
	LLM           chatClient
	Model         string
	Speaker       Speaker
	Calls         callControl
	SilenceWindow time.Duration
	GoodbyeGrace  time.Duration
	Language      string
	Logger        *logging.Logger
	Metrics       *metrics.CallMetrics
}

// NewEngine creates a conversation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("conversation: LLM client required")
	}
	if cfg.Speaker == nil {
		return nil, fmt.Errorf("conversation: speaker required")
	}
	if cfg.Calls == nil {
		return nil, fmt.Errorf("conversation: call-control client required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = defaultSilenceWindow
	}
	if cfg.GoodbyeGrace <= 0 {
		cfg.GoodbyeGrace = defaultGoodbyeGrace
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Engine{
		convs:         make(map[string]*State),
		llm:           cfg.LLM,
		model:         cfg.Model,
		speaker:       cfg.Speaker,
		calls:         cfg.Calls,
		silenceWindow: cfg.SilenceWindow,
		goodbyeGrace:  cfg.GoodbyeGrace,
		language:      cfg.Language,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Register creates conversation state for a call before its first webhook
// event arrives. Registering the same call twice is an error.
func (e *Engine) Register(callControlID, systemPrompt, initialMessage string, maxTurns int) error {
	if callControlID == "" {
		return fmt.Errorf("conversation: call control ID required")
	}
	if maxTurns <= 0 {
		return fmt.Errorf("conversation: max turns must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.convs[callControlID]; exists {
		return fmt.Errorf("conversation: call %s already registered", callControlID)
	}
	e.convs[callControlID] = newState(callControlID, systemPrompt, initialMessage, maxTurns)
	e.logger.Info("conversation: registered",
		"call_control_id", callControlID,
		"max_turns", maxTurns,
	)
	return nil
}

// Active reports whether a conversation exists for the call.
func (e *Engine) Active(callControlID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.convs[callControlID]
	return ok
}

// Lookup returns the conversation state for a call, if any.
func (e *Engine) Lookup(callControlID string) (*State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.convs[callControlID]
	return s, ok
}

// CallAnswered marks the conversation live: transcription starts, the
// initial message becomes the first assistant turn, and it is spoken.
func (e *Engine) CallAnswered(ctx context.Context, callControlID string) {
	s, ok := e.Lookup(callControlID)
	if !ok {
		return
	}

	if err := e.calls.StartTranscription(ctx, callControlID, e.language); err != nil {
		e.logger.Error("conversation: transcription start failed",
			"error", err, "call_control_id", callControlID)
	}

	s.mu.Lock()
	s.turns = append(s.turns, Turn{Role: RoleAssistant, Text: s.initialMessage})
	s.speaking = true
	s.phase = PhaseSpeakingInitial
	initial := s.initialMessage
	s.mu.Unlock()

	e.speak(ctx, s, initial)
}

// HandleFragment buffers an inbound transcript fragment and rearms the
// silence deadline. Fragments that arrive while we are speaking are
// dropped from turn-taking; the dispatcher has already recorded them on
// the call session transcript.
func (e *Engine) HandleFragment(callControlID, text string) {
	s, ok := e.Lookup(callControlID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking || s.terminal || s.phase == PhaseEnded {
		return
	}
	if s.pending.Len() > 0 {
		s.pending.WriteString(" ")
	}
	s.pending.WriteString(strings.TrimSpace(text))
	e.rearmSilenceLocked(s)
}

// rearmSilenceLocked atomically replaces the pending silence deadline so
// only the latest fragment's timer can fire. Callers must hold s.mu.
func (e *Engine) rearmSilenceLocked(s *State) {
	s.stopTimerLocked()
	gen := s.silenceGen
	s.silence = time.AfterFunc(e.silenceWindow, func() {
		e.onSilence(s, gen)
	})
}

// onSilence fires when the callee has been quiet for the debounce window.
func (e *Engine) onSilence(s *State, gen uint64) {
	s.mu.Lock()
	if gen != s.silenceGen || s.speaking || s.terminal || s.phase == PhaseEnded {
		s.mu.Unlock()
		return
	}
	fragment := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if fragment == "" {
		s.mu.Unlock()
		e.logger.Debug("conversation: silence fired with empty fragment, dropping",
			"call_control_id", s.callControlID)
		return
	}

	s.turns = append(s.turns, Turn{Role: RoleUser, Text: fragment})
	s.turnCount++
	goodbye := s.turnCount >= s.maxTurns
	if goodbye {
		s.phase = PhaseSpeakingGoodbye
	} else {
		s.phase = PhaseSpeakingReply
	}
	// Gate closes here, before inference: the turn is consumed, so any
	// fragment arriving while the reply is being composed or played is
	// excluded from turn-taking (the dispatcher still records it on the
	// call transcript).
	s.speaking = true
	history := make([]Turn, len(s.turns))
	copy(history, s.turns)
	systemPrompt := s.systemPrompt
	callControlID := s.callControlID
	s.mu.Unlock()

	e.metrics.ObserveTurn()

	ctx := context.Background()
	reply, err := e.complete(ctx, systemPrompt, history, goodbye)
	if err != nil {
		if !goodbye {
			e.logger.Error("conversation: LLM turn failed, dropping turn",
				"error", err, "call_control_id", callControlID)
			s.mu.Lock()
			s.speaking = false
			s.phase = PhaseListening
			s.mu.Unlock()
			return
		}
		// The goodbye must still be said so the call can wrap up.
		e.logger.Error("conversation: LLM goodbye failed, using fallback",
			"error", err, "call_control_id", callControlID)
		reply = fallbackGoodbye
	}

	s.mu.Lock()
	s.turns = append(s.turns, Turn{Role: RoleAssistant, Text: reply})
	if goodbye {
		s.terminal = true
	}
	s.mu.Unlock()

	e.speak(ctx, s, reply)
}

// PlaybackFinished clears the speaking gate. If the conversation was
// marked terminal the call is hung up after a short grace delay so the
// closing line is not clipped.
func (e *Engine) PlaybackFinished(ctx context.Context, callControlID string) {
	s, ok := e.Lookup(callControlID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.speaking = false
	terminal := s.terminal
	if terminal {
		s.phase = PhaseEnded
	} else {
		s.phase = PhaseListening
	}
	s.mu.Unlock()

	if terminal {
		e.scheduleHangup(callControlID)
	}
}

// Finish tears down the conversation and returns its turn history for
// attachment to the call result.
func (e *Engine) Finish(callControlID string) []Turn {
	e.mu.Lock()
	s, ok := e.convs[callControlID]
	delete(e.convs, callControlID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.phase = PhaseEnded
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (e *Engine) speak(ctx context.Context, s *State, text string) {
	if err := e.speaker.Say(ctx, s.callControlID, text); err != nil {
		e.logger.Error("conversation: synthesis failed, dropping spoken turn",
			"error", err, "call_control_id", s.callControlID)
		s.mu.Lock()
		s.speaking = false
		terminal := s.terminal
		if !terminal {
			s.phase = PhaseListening
		}
		s.mu.Unlock()
		if terminal {
			// No playback event will arrive for a failed goodbye.
			e.scheduleHangup(s.callControlID)
		}
	}
}

func (e *Engine) scheduleHangup(callControlID string) {
	time.AfterFunc(e.goodbyeGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.calls.Hangup(ctx, callControlID); err != nil {
			e.logger.Error("conversation: hangup failed",
				"error", err, "call_control_id", callControlID)
		}
	})
}

func (e *Engine) complete(ctx context.Context, systemPrompt string, history []Turn, goodbye bool) (string, error) {
	ctx, span := engineTracer.Start(ctx, "conversation.turn")
	defer span.End()
	span.SetAttributes(
		attribute.Int("voicereach.history_len", len(history)),
		attribute.Bool("voicereach.goodbye", goodbye),
	)

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	if goodbye {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: goodbyeInstruction,
		})
	}

	resp, err := e.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("conversation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("conversation: chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
