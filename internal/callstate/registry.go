package callstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voicereach-ai/voicereach/internal/conversation"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// Status is the call session lifecycle stage. Transitions are monotonic:
// ringing → in_progress → completed. No event may regress status.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// AMD verdicts as delivered by the platform, plus the transcript-derived
// verdict the classifier can substitute at hangup.
const (
	AnsweredByHuman   = "human"
	AnsweredByMachine = "machine"
	AnsweredByNotSure = "not_sure"
	AnsweredByUnknown = "unknown"
)

const defaultRetention = 5 * time.Minute

// Transcription is the transcript-derived portion of a call result.
type Transcription struct {
	Text       string `json:"text"`
	DetectedAs string `json:"detected_as"`
}

// Result is the queryable outcome of a call.
type Result struct {
	CallControlID string              `json:"call_control_id"`
	Status        Status              `json:"status"`
	AnsweredBy    string              `json:"answered_by,omitempty"`
	HangupCause   string              `json:"hangup_cause,omitempty"`
	Transcription *Transcription      `json:"transcription,omitempty"`
	Conversation  []conversation.Turn `json:"conversation,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// Session is the per-call record owned by the webhook dispatcher. Field
// access is guarded by mu; the dispatcher additionally serializes event
// handling per call, so mu mostly protects concurrent result queries.
type Session struct {
	mu sync.Mutex

	callControlID string
	status        Status
	answeredBy    string
	hangupCause   string
	transcript    strings.Builder
	transcription *Transcription
	turns         []conversation.Turn
	createdAt     time.Time
	completedAt   time.Time
}

// RecordAMD stores a provisional machine-detection verdict. The call is
// considered in progress from this point; a completed session is never
// regressed.
func (s *Session) RecordAMD(verdict string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted {
		return
	}
	s.status = StatusInProgress
	s.answeredBy = verdict
}

// MarkAnswered advances a ringing session to in progress.
func (s *Session) MarkAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRinging {
		s.status = StatusInProgress
	}
}

// AppendTranscript accumulates inbound transcript text.
func (s *Session) AppendTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript.Len() > 0 {
		s.transcript.WriteString(" ")
	}
	s.transcript.WriteString(text)
}

// Transcript returns the accumulated transcript text.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Snapshot returns a copy of the session as a queryable result.
func (s *Session) Snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Result {
	r := Result{
		CallControlID: s.callControlID,
		Status:        s.status,
		AnsweredBy:    s.answeredBy,
		HangupCause:   s.hangupCause,
		CreatedAt:     s.createdAt,
	}
	if s.transcription != nil {
		t := *s.transcription
		r.Transcription = &t
	}
	if len(s.turns) > 0 {
		r.Conversation = make([]conversation.Turn, len(s.turns))
		copy(r.Conversation, s.turns)
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		r.CompletedAt = &t
	}
	return r
}

// resultMirror persists finalized results outside process memory.
type resultMirror interface {
	Save(ctx context.Context, result Result) error
	Get(ctx context.Context, callControlID string) (*Result, error)
}

// Registry owns all live call sessions. Get-or-create is a single atomic
// operation so two near-simultaneous events for a brand-new call cannot
// each create a separate session. Completed sessions are deleted after
// the retention window.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	retention time.Duration
	mirror    resultMirror
	logger    *logging.Logger
}

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	// Retention bounds how long completed sessions stay queryable.
	Retention time.Duration
	// Mirror, when set, receives finalized results (Redis-backed in
	// production; results then survive restarts and serve misses).
	Mirror resultMirror
	Logger *logging.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		retention: cfg.Retention,
		mirror:    cfg.Mirror,
		logger:    cfg.Logger,
	}
}

// GetOrCreate returns the session for a call, creating it on first
// reference.
func (r *Registry) GetOrCreate(callControlID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callControlID]; ok {
		return s
	}
	s := &Session{
		callControlID: callControlID,
		status:        StatusRinging,
		createdAt:     time.Now().UTC(),
	}
	r.sessions[callControlID] = s
	return s
}

// Result returns the queryable result for a call, falling back to the
// mirror when the session has already been expired locally.
func (r *Registry) Result(ctx context.Context, callControlID string) (Result, bool) {
	r.mu.RLock()
	s, ok := r.sessions[callControlID]
	r.mu.RUnlock()
	if ok {
		return s.Snapshot(), true
	}
	if r.mirror != nil {
		mirrored, err := r.mirror.Get(ctx, callControlID)
		if err != nil {
			r.logger.Error("callstate: mirror lookup failed",
				"error", err, "call_control_id", callControlID)
		} else if mirrored != nil {
			return *mirrored, true
		}
	}
	return Result{}, false
}

// Finalize completes the session: status, hangup cause, the classifier's
// transcript verdict (which overrides the acoustic AMD verdict), and any
// conversation history. The finalized result is mirrored and deletion is
// scheduled after the retention window.
func (r *Registry) Finalize(ctx context.Context, callControlID, hangupCause, detectedAs string, turns []conversation.Turn) Result {
	s := r.GetOrCreate(callControlID)

	s.mu.Lock()
	s.status = StatusCompleted
	s.hangupCause = hangupCause
	s.completedAt = time.Now().UTC()
	if text := s.transcript.String(); text != "" && detectedAs != "" {
		s.transcription = &Transcription{Text: text, DetectedAs: detectedAs}
		// Transcript content beats acoustic AMD when both exist.
		s.answeredBy = detectedAs
	}
	if len(turns) > 0 {
		s.turns = turns
	}
	result := s.snapshotLocked()
	s.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Save(ctx, result); err != nil {
			r.logger.Error("callstate: mirror save failed",
				"error", err, "call_control_id", callControlID)
		}
	}

	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		delete(r.sessions, callControlID)
		r.mu.Unlock()
	})

	return result
}

// Len reports the number of live sessions. Used by tests and health checks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
