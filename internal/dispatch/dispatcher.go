package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/voicereach-ai/voicereach/internal/callstate"
	"github.com/voicereach-ai/voicereach/internal/conversation"
	"github.com/voicereach-ai/voicereach/internal/observability/metrics"
	"github.com/voicereach-ai/voicereach/internal/voicemail"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

const (
	defaultMessage        = "Hello, this is a call from your AI assistant."
	defaultResponseWindow = 10 * time.Second
	handlerTimeout        = 30 * time.Second
)

// conversationEngine is the slice of the turn engine the dispatcher drives.
type conversationEngine interface {
	Active(callControlID string) bool
	CallAnswered(ctx context.Context, callControlID string)
	HandleFragment(callControlID, text string)
	PlaybackFinished(ctx context.Context, callControlID string)
	Finish(callControlID string) []conversation.Turn
}

// speaker produces spoken audio on a live call.
type speaker interface {
	Say(ctx context.Context, callControlID, text string) error
}

// callControl is the slice of the call-control client the dispatcher needs.
type callControl interface {
	StartTranscription(ctx context.Context, callControlID, language string) error
	Hangup(ctx context.Context, callControlID string) error
}

// Dispatcher routes call control webhook events to the session registry,
// the voicemail classifier, and the turn engine. Events for one call are
// handled strictly in arrival order on that call's serial queue; events
// for different calls run in parallel, so a slow synthesis round trip on
// one call never delays another.
type Dispatcher struct {
	registry *callstate.Registry
	engine   conversationEngine
	speaker  speaker
	calls    callControl

	transcribeAll  bool
	responseWindow time.Duration
	language       string

	logger  *logging.Logger
	metrics *metrics.CallMetrics

	mu     sync.Mutex
	queues map[string]*callQueue
}

// Config configures the dispatcher.
type Config struct {
	Registry *callstate.Registry
	// Engine is optional; without it every call is single-turn.
	Engine  conversationEngine
	Speaker speaker
	Calls   callControl
	// TranscribeAll starts inbound transcription on every answered
	// single-turn call so voicemail detection can run on the transcript.
	TranscribeAll bool
	// ResponseWindow is how long a single-turn call is held open after
	// playback ends, giving the callee time to reply before hangup.
	ResponseWindow time.Duration
	Language       string
	Logger         *logging.Logger
	Metrics        *metrics.CallMetrics
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = defaultResponseWindow
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Dispatcher{
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		speaker:        cfg.Speaker,
		calls:          cfg.Calls,
		transcribeAll:  cfg.TranscribeAll,
		responseWindow: cfg.ResponseWindow,
		language:       cfg.Language,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		queues:         make(map[string]*callQueue),
	}
}

// Dispatch enqueues an event on its call's serial queue and returns
// immediately. Processing errors are logged and swallowed; the webhook
// exchange has already been acknowledged.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.CallControlID == "" {
		d.logger.Warn("dispatch: event without call_control_id dropped", "event_type", ev.Type)
		return
	}
	d.metrics.ObserveWebhook(ev.Type)
	d.enqueue(ev.CallControlID, func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		d.handle(ctx, ev)
		d.metrics.ObserveWebhookLatency(ev.Type, time.Since(start).Seconds())
	})
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	l := d.logger.With("call_control_id", ev.CallControlID, "event_type", ev.Type)

	switch ev.Type {
	case EventMachineDetectionEnded:
		l.Info("dispatch: AMD verdict", "result", ev.AMDResult)
		d.registry.GetOrCreate(ev.CallControlID).RecordAMD(ev.AMDResult)

	case EventTranscription:
		if ev.Transcript == "" {
			return
		}
		d.registry.GetOrCreate(ev.CallControlID).AppendTranscript(ev.Transcript)
		if d.engine != nil && d.engine.Active(ev.CallControlID) {
			d.engine.HandleFragment(ev.CallControlID, ev.Transcript)
		}

	case EventAnswered:
		d.registry.GetOrCreate(ev.CallControlID).MarkAnswered()
		if d.engine != nil && d.engine.Active(ev.CallControlID) {
			d.engine.CallAnswered(ctx, ev.CallControlID)
			return
		}
		d.handleSingleTurnAnswer(ctx, ev, l)

	case EventPlaybackEnded, EventSpeakEnded:
		if d.engine != nil && d.engine.Active(ev.CallControlID) {
			d.engine.PlaybackFinished(ctx, ev.CallControlID)
			return
		}
		// Single-turn: hold the line for a response window, then drop it.
		callControlID := ev.CallControlID
		time.AfterFunc(d.responseWindow, func() {
			hangupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.calls.Hangup(hangupCtx, callControlID); err != nil {
				d.logger.Error("dispatch: hangup failed",
					"error", err, "call_control_id", callControlID)
			}
		})

	case EventHangup:
		d.handleHangup(ctx, ev, l)

	default:
		l.Debug("dispatch: ignoring event")
	}
}

func (d *Dispatcher) handleSingleTurnAnswer(ctx context.Context, ev Event, l *logging.Logger) {
	if d.transcribeAll {
		if err := d.calls.StartTranscription(ctx, ev.CallControlID, d.language); err != nil {
			l.Error("dispatch: transcription start failed", "error", err)
		}
	}

	message, ok := decodeSessionToken(ev.ClientState)
	if !ok {
		message = defaultMessage
		if ev.ClientState != "" {
			l.Warn("dispatch: malformed session token, using default message")
		}
	}

	l.Info("dispatch: speaking message", "chars", len(message))
	if err := d.speaker.Say(ctx, ev.CallControlID, message); err != nil {
		// A dropped spoken turn, not a fatal call failure.
		l.Error("dispatch: synthesis failed", "error", err)
	}
}

func (d *Dispatcher) handleHangup(ctx context.Context, ev Event, l *logging.Logger) {
	session := d.registry.GetOrCreate(ev.CallControlID)

	detectedAs := ""
	if transcript := session.Transcript(); transcript != "" {
		detectedAs = string(voicemail.Classify(transcript))
		l.Info("dispatch: transcript classified", "detected_as", detectedAs)
	}

	var turns []conversation.Turn
	if d.engine != nil {
		turns = d.engine.Finish(ev.CallControlID)
	}

	result := d.registry.Finalize(ctx, ev.CallControlID, ev.HangupCause, detectedAs, turns)
	d.metrics.ObserveCompleted(result.AnsweredBy)
	l.Info("dispatch: call completed",
		"answered_by", result.AnsweredBy,
		"hangup_cause", result.HangupCause,
	)

	// No further events are expected for this call; a stray late event
	// would simply create a fresh queue.
	d.mu.Lock()
	delete(d.queues, ev.CallControlID)
	d.mu.Unlock()
}

// callQueue runs one call's event handlers strictly in order.
type callQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (d *Dispatcher) enqueue(callControlID string, job func()) {
	d.mu.Lock()
	q, ok := d.queues[callControlID]
	if !ok {
		q = &callQueue{}
		d.queues[callControlID] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()
}

func (q *callQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}
