package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voicereach-ai/voicereach/internal/api/router"
	"github.com/voicereach-ai/voicereach/internal/callstate"
	appconfig "github.com/voicereach-ai/voicereach/internal/config"
	"github.com/voicereach-ai/voicereach/internal/conversation"
	"github.com/voicereach-ai/voicereach/internal/dispatch"
	"github.com/voicereach-ai/voicereach/internal/http/handlers"
	"github.com/voicereach-ai/voicereach/internal/observability/metrics"
	"github.com/voicereach-ai/voicereach/internal/synthesis"
	"github.com/voicereach-ai/voicereach/internal/telnyx"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicereach orchestration server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.TelnyxAPIKey == "" {
		logger.Error("TELNYX_API_KEY is required")
		os.Exit(1)
	}

	callMetrics := metrics.NewCallMetrics(nil)

	calls, err := telnyx.New(telnyx.Config{
		APIKey:  cfg.TelnyxAPIKey,
		BaseURL: cfg.TelnyxBaseURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build call-control client", "error", err)
		os.Exit(1)
	}

	// ElevenLabs is optional; without it the pipeline falls back to the
	// platform's built-in speak primitive.
	var tts synthesis.TTSClient
	if cfg.ElevenLabsAPIKey != "" {
		elClient, err := synthesis.NewElevenLabsClient(synthesis.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoiceID,
		})
		if err != nil {
			logger.Error("failed to build TTS client", "error", err)
			os.Exit(1)
		}
		tts = elClient
		logger.Info("ElevenLabs TTS enabled", "voice_id", cfg.ElevenLabsVoiceID)
	} else {
		logger.Info("no ElevenLabs key, using built-in speak")
	}

	pipeline, err := synthesis.NewPipeline(synthesis.PipelineConfig{
		TTS:     tts,
		Calls:   calls,
		Logger:  logger,
		Metrics: callMetrics,
	})
	if err != nil {
		logger.Error("failed to build synthesis pipeline", "error", err)
		os.Exit(1)
	}

	// Multi-turn conversations need an LLM backend; without a key the
	// server still handles single-turn calls.
	var engine *conversation.Engine
	if cfg.OpenAIAPIKey != "" {
		llmCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
		if cfg.OpenAIBaseURL != "" {
			llmCfg.BaseURL = cfg.OpenAIBaseURL
		}
		engine, err = conversation.NewEngine(conversation.EngineConfig{
			LLM:           openai.NewClientWithConfig(llmCfg),
			Model:         cfg.OpenAIModel,
			Speaker:       pipeline,
			Calls:         calls,
			SilenceWindow: cfg.SilenceWindow,
			GoodbyeGrace:  cfg.GoodbyeGrace,
			Language:      cfg.ConversationLang,
			Logger:        logger,
			Metrics:       callMetrics,
		})
		if err != nil {
			logger.Error("failed to build conversation engine", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("no OPENAI_API_KEY, multi-turn conversations disabled")
	}

	registryCfg := callstate.RegistryConfig{
		Retention: cfg.ResultRetention,
		Logger:    logger,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Error("redis unreachable, results will be memory-only", "error", err)
		} else {
			registryCfg.Mirror = callstate.NewRedisMirror(rdb, cfg.ResultRetention)
			logger.Info("redis result mirror enabled", "addr", cfg.RedisAddr)
		}
		cancel()
	}
	registry := callstate.NewRegistry(registryCfg)

	dispatcherCfg := dispatch.Config{
		Registry:       registry,
		Speaker:        pipeline,
		Calls:          calls,
		TranscribeAll:  cfg.EnableTranscription,
		ResponseWindow: cfg.ResponseWindow,
		Language:       cfg.ConversationLang,
		Logger:         logger,
		Metrics:        callMetrics,
	}
	if engine != nil {
		dispatcherCfg.Engine = engine
	}
	dispatcher := dispatch.New(dispatcherCfg)

	webhooks := handlers.NewCallWebhookHandler(handlers.CallWebhookConfig{
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	resultsCfg := handlers.CallResultConfig{
		Results:         registry,
		DefaultMaxTurns: cfg.DefaultMaxTurns,
		Logger:          logger,
	}
	if engine != nil {
		resultsCfg.Conversations = engine
	}
	results := handlers.NewCallResultHandler(resultsCfg)

	r := router.New(&router.Config{
		Logger:         logger,
		Webhooks:       webhooks,
		Results:        results,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
