package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "SILENCE_WINDOW", "RESPONSE_WINDOW", "RESULT_RETENTION",
		"DEFAULT_MAX_TURNS", "ENABLE_TRANSCRIPTION", "SERVER_URL",
		"SUBORDINATE_COMMAND", "ELEVENLABS_VOICE_ID", "OPENAI_MODEL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "3003" {
		t.Errorf("expected default port 3003, got %q", cfg.Port)
	}
	if cfg.SilenceWindow != 2500*time.Millisecond {
		t.Errorf("expected 2.5s silence window, got %v", cfg.SilenceWindow)
	}
	if cfg.ResponseWindow != 10*time.Second {
		t.Errorf("expected 10s response window, got %v", cfg.ResponseWindow)
	}
	if cfg.ResultRetention != 5*time.Minute {
		t.Errorf("expected 5m retention, got %v", cfg.ResultRetention)
	}
	if cfg.DefaultMaxTurns != 5 {
		t.Errorf("expected 5 default max turns, got %d", cfg.DefaultMaxTurns)
	}
	if cfg.EnableTranscription {
		t.Error("transcription should default to off")
	}
	if cfg.OrchestratorURL != "http://localhost:3003" {
		t.Errorf("unexpected orchestrator URL %q", cfg.OrchestratorURL)
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Errorf("unexpected default model %q", cfg.OpenAIModel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("SILENCE_WINDOW", "1s")
	t.Setenv("DEFAULT_MAX_TURNS", "9")
	t.Setenv("ENABLE_TRANSCRIPTION", "true")
	t.Setenv("RESULT_RETENTION", "90s")

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.SilenceWindow != time.Second {
		t.Errorf("expected 1s silence window, got %v", cfg.SilenceWindow)
	}
	if cfg.DefaultMaxTurns != 9 {
		t.Errorf("expected 9 max turns, got %d", cfg.DefaultMaxTurns)
	}
	if !cfg.EnableTranscription {
		t.Error("expected transcription enabled")
	}
	if cfg.ResultRetention != 90*time.Second {
		t.Errorf("expected 90s retention, got %v", cfg.ResultRetention)
	}
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SILENCE_WINDOW", "soon")
	t.Setenv("DEFAULT_MAX_TURNS", "many")
	t.Setenv("ENABLE_TRANSCRIPTION", "yep")

	cfg := Load()

	if cfg.SilenceWindow != 2500*time.Millisecond {
		t.Errorf("expected default silence window, got %v", cfg.SilenceWindow)
	}
	if cfg.DefaultMaxTurns != 5 {
		t.Errorf("expected default max turns, got %d", cfg.DefaultMaxTurns)
	}
	if cfg.EnableTranscription {
		t.Error("expected malformed bool to fall back to off")
	}
}

func TestSubordinateArgs(t *testing.T) {
	t.Setenv("SUBORDINATE_COMMAND", "npx -y telnyx-mcp")
	cfg := Load()

	got := cfg.SubordinateArgs()
	want := []string{"npx", "-y", "telnyx-mcp"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
