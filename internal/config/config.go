package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Telnyx call control
	TelnyxAPIKey  string
	TelnyxBaseURL string

	// ElevenLabs TTS (optional; empty falls back to Telnyx built-in speak)
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// OpenAI-compatible LLM backend for multi-turn conversations
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// EnableTranscription turns on inbound transcription for single-turn
	// calls so voicemail detection can run on what the callee says.
	EnableTranscription bool

	// Redis mirror for finalized call results (optional)
	RedisAddr     string
	RedisPassword string

	// Orchestration policy
	ResultRetention  time.Duration
	SilenceWindow    time.Duration
	ResponseWindow   time.Duration
	GoodbyeGrace     time.Duration
	DefaultMaxTurns  int
	ConversationLang string

	// Stdio proxy
	OrchestratorURL    string
	SubordinateCommand string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "3003"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		TelnyxAPIKey:  getEnv("TELNYX_API_KEY", ""),
		TelnyxBaseURL: getEnv("TELNYX_BASE_URL", "https://api.telnyx.com/v2"),

		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "EXAVITQu4vr4xnSDxMaL"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		EnableTranscription: getEnvAsBool("ENABLE_TRANSCRIPTION", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		ResultRetention:  getEnvAsDuration("RESULT_RETENTION", 5*time.Minute),
		SilenceWindow:    getEnvAsDuration("SILENCE_WINDOW", 2500*time.Millisecond),
		ResponseWindow:   getEnvAsDuration("RESPONSE_WINDOW", 10*time.Second),
		GoodbyeGrace:     getEnvAsDuration("GOODBYE_GRACE", time.Second),
		DefaultMaxTurns:  getEnvAsInt("DEFAULT_MAX_TURNS", 5),
		ConversationLang: getEnv("CONVERSATION_LANGUAGE", "en"),

		OrchestratorURL:    getEnv("SERVER_URL", "http://localhost:3003"),
		SubordinateCommand: getEnv("SUBORDINATE_COMMAND", "npx -y telnyx-mcp"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// SubordinateArgs splits the configured subordinate command into the argv
// passed to exec. Quoting is not supported; the command is a simple
// space-separated program plus arguments.
func (c *Config) SubordinateArgs() []string {
	return strings.Fields(c.SubordinateCommand)
}
