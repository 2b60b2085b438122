package synthesis

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/voicereach-ai/voicereach/internal/telnyx"
)

type stubTTS struct {
	audio []byte
	err   error
}

func (s *stubTTS) Synthesize(context.Context, string) ([]byte, error) {
	return s.audio, s.err
}

type fakeCallAudio struct {
	uploadErr   error
	playbackErr error
	speakErr    error

	uploadedName  string
	uploadedBytes []byte
	playbackName  string
	spokenText    string
}

func (f *fakeCallAudio) UploadMedia(_ context.Context, mediaName string, audio io.Reader) error {
	f.uploadedName = mediaName
	f.uploadedBytes, _ = io.ReadAll(audio)
	return f.uploadErr
}

func (f *fakeCallAudio) StartPlayback(_ context.Context, _, mediaName string) error {
	f.playbackName = mediaName
	return f.playbackErr
}

func (f *fakeCallAudio) Speak(_ context.Context, _, text string) error {
	f.spokenText = text
	return f.speakErr
}

func TestSayUploadsAndPlaysSynthesizedAudio(t *testing.T) {
	calls := &fakeCallAudio{}
	pipeline, err := NewPipeline(PipelineConfig{
		TTS:   &stubTTS{audio: []byte("mp3-bytes")},
		Calls: calls,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	if err := pipeline.Say(context.Background(), "cc-123", "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if string(calls.uploadedBytes) != "mp3-bytes" {
		t.Errorf("unexpected uploaded bytes %q", calls.uploadedBytes)
	}
	if !strings.HasPrefix(calls.uploadedName, "tts-") || !strings.HasSuffix(calls.uploadedName, ".mp3") {
		t.Errorf("unexpected media name %q", calls.uploadedName)
	}
	if calls.playbackName != calls.uploadedName {
		t.Errorf("playback name %q does not match uploaded name %q", calls.playbackName, calls.uploadedName)
	}
	if calls.spokenText != "" {
		t.Error("built-in speak should not be used when TTS is configured")
	}
}

func TestSayFallsBackToBuiltInSpeak(t *testing.T) {
	calls := &fakeCallAudio{}
	pipeline, err := NewPipeline(PipelineConfig{Calls: calls})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	if err := pipeline.Say(context.Background(), "cc-123", "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if calls.spokenText != "hello" {
		t.Errorf("expected built-in speak with text, got %q", calls.spokenText)
	}
	if calls.uploadedName != "" {
		t.Error("upload should not happen without a TTS client")
	}
}

func TestSayReportsFailingStage(t *testing.T) {
	tests := []struct {
		name      string
		tts       TTSClient
		calls     *fakeCallAudio
		wantStage string
	}{
		{
			name:      "synthesize failure",
			tts:       &stubTTS{err: errors.New("quota exceeded")},
			calls:     &fakeCallAudio{},
			wantStage: StageSynthesize,
		},
		{
			name:      "upload failure",
			tts:       &stubTTS{audio: []byte("x")},
			calls:     &fakeCallAudio{uploadErr: errors.New("storage down")},
			wantStage: StageUpload,
		},
		{
			name:      "playback failure",
			tts:       &stubTTS{audio: []byte("x")},
			calls:     &fakeCallAudio{playbackErr: errors.New("call gone")},
			wantStage: StagePlayback,
		},
		{
			name:      "speak fallback failure",
			calls:     &fakeCallAudio{speakErr: errors.New("call gone")},
			wantStage: StageSpeak,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, err := NewPipeline(PipelineConfig{TTS: tt.tts, Calls: tt.calls})
			if err != nil {
				t.Fatalf("NewPipeline: %v", err)
			}
			err = pipeline.Say(context.Background(), "cc-123", "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			var serr *SynthesisError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *SynthesisError, got %T", err)
			}
			if serr.Stage != tt.wantStage {
				t.Errorf("expected stage %q, got %q", tt.wantStage, serr.Stage)
			}
		})
	}
}

func TestSayCarriesProviderStatus(t *testing.T) {
	calls := &fakeCallAudio{
		uploadErr: &telnyx.APIError{Status: 413, Body: "too large"},
	}
	pipeline, err := NewPipeline(PipelineConfig{TTS: &stubTTS{audio: []byte("x")}, Calls: calls})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	err = pipeline.Say(context.Background(), "cc-123", "hello")
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SynthesisError, got %v", err)
	}
	if serr.Status != 413 {
		t.Errorf("expected status 413, got %d", serr.Status)
	}

	pipeline2, _ := NewPipeline(PipelineConfig{
		TTS:   &stubTTS{err: &ProviderError{Status: 401, Body: "bad key"}},
		Calls: &fakeCallAudio{},
	})
	err = pipeline2.Say(context.Background(), "cc-123", "hello")
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SynthesisError, got %v", err)
	}
	if serr.Status != 401 {
		t.Errorf("expected status 401, got %d", serr.Status)
	}
}
