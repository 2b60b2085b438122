package conversation

import (
	"strings"
	"sync"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation phases. A conversation advances monotonically except for the
// listening/speaking loop in the middle.
const (
	PhaseAwaitingAnswer  = "awaiting-answer"
	PhaseSpeakingInitial = "speaking-initial"
	PhaseListening       = "listening"
	PhaseSpeakingReply   = "speaking-reply"
	PhaseSpeakingGoodbye = "speaking-goodbye"
	PhaseEnded           = "ended"
)

// Turn is a single exchange in a voice conversation transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// State holds the per-call conversation state. It is created when a
// conversation is registered (before the dial confirmation reaches the
// client) and destroyed when the underlying call ends. All fields are
// guarded by mu; the engine never holds mu across a network call.
type State struct {
	mu sync.Mutex

	callControlID  string
	systemPrompt   string
	initialMessage string
	turns          []Turn
	turnCount      int
	maxTurns       int

	// pending accumulates transcript fragments since the last turn.
	pending strings.Builder

	// silence is the rearmable debounce timer; silenceGen invalidates
	// callbacks from timers that were replaced before firing.
	silence    *time.Timer
	silenceGen uint64

	// speaking gates fragment handling for the whole reply cycle: from
	// the moment a turn is consumed, through LLM inference, until the
	// reply's playback ends. Words spoken over the assistant (or while it
	// is composing) never join the next turn.
	speaking bool
	terminal bool

	phase string
}

func newState(callControlID, systemPrompt, initialMessage string, maxTurns int) *State {
	return &State{
		callControlID:  callControlID,
		systemPrompt:   systemPrompt,
		initialMessage: initialMessage,
		maxTurns:       maxTurns,
		phase:          PhaseAwaitingAnswer,
	}
}

// Phase returns the current conversation phase.
func (s *State) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Turns returns a copy of the turn history so far.
func (s *State) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// stopTimerLocked cancels any pending silence deadline. Callers must hold mu.
func (s *State) stopTimerLocked() {
	s.silenceGen++
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
}
