package synthesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/voicereach-ai/voicereach/internal/observability/metrics"
	"github.com/voicereach-ai/voicereach/internal/telnyx"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// Stages of the synthesis pipeline, reported inside SynthesisError.
const (
	StageSynthesize = "synthesize"
	StageUpload     = "upload"
	StagePlayback   = "playback"
	StageSpeak      = "speak"
)

// SynthesisError is the single failure surface of the pipeline. It names
// the stage that failed and, when the stage was an HTTP provider call, the
// provider status code. Callers treat it as a dropped spoken turn, not a
// fatal call failure.
type SynthesisError struct {
	Stage  string
	Status int
	Err    error
}

func (e *SynthesisError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("synthesis: stage %s failed (status %d): %v", e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("synthesis: stage %s failed: %v", e.Stage, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// TTSClient turns text into raw audio bytes.
type TTSClient interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// callAudio is the slice of the call-control client the pipeline needs.
type callAudio interface {
	UploadMedia(ctx context.Context, mediaName string, audio io.Reader) error
	StartPlayback(ctx context.Context, callControlID, mediaName string) error
	Speak(ctx context.Context, callControlID, text string) error
}

// Pipeline produces spoken audio on a live call: TTS synthesis, media
// upload, playback. When no TTS client is configured it substitutes the
// platform's built-in speak primitive.
type Pipeline struct {
	tts     TTSClient
	calls   callAudio
	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// PipelineConfig configures the synthesis pipeline.
type PipelineConfig struct {
	// TTS is optional; nil selects the built-in speak fallback.
	TTS     TTSClient
	Calls   callAudio
	Logger  *logging.Logger
	Metrics *metrics.CallMetrics
}

// NewPipeline creates a synthesis pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Calls == nil {
		return nil, errors.New("synthesis: call-control client required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Pipeline{
		tts:     cfg.TTS,
		calls:   cfg.Calls,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Say speaks text on the call. Any error returned is a *SynthesisError.
func (p *Pipeline) Say(ctx context.Context, callControlID, text string) error {
	if p.tts == nil {
		if err := p.calls.Speak(ctx, callControlID, text); err != nil {
			return p.fail(StageSpeak, err)
		}
		p.logger.Info("synthesis: built-in speak command sent", "call_control_id", callControlID)
		return nil
	}

	audio, err := p.tts.Synthesize(ctx, text)
	if err != nil {
		return p.fail(StageSynthesize, err)
	}
	p.logger.Info("synthesis: generated audio",
		"call_control_id", callControlID,
		"bytes", len(audio),
	)

	mediaName := fmt.Sprintf("tts-%s-%d.mp3", uuid.NewString(), time.Now().UnixMilli())
	if err := p.calls.UploadMedia(ctx, mediaName, bytes.NewReader(audio)); err != nil {
		return p.fail(StageUpload, err)
	}
	if err := p.calls.StartPlayback(ctx, callControlID, mediaName); err != nil {
		return p.fail(StagePlayback, err)
	}
	p.logger.Info("synthesis: playback started",
		"call_control_id", callControlID,
		"media_name", mediaName,
	)
	return nil
}

func (p *Pipeline) fail(stage string, err error) error {
	p.metrics.ObserveSynthesisFailure(stage)
	serr := &SynthesisError{Stage: stage, Err: err}
	var apiErr *telnyx.APIError
	if errors.As(err, &apiErr) {
		serr.Status = apiErr.Status
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		serr.Status = provErr.Status
	}
	return serr
}
