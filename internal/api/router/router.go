package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicereach-ai/voicereach/internal/http/handlers"
	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Webhooks       *handlers.CallWebhookHandler
	Results        *handlers.CallResultHandler
	MetricsHandler http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Everything here is public: webhooks are signed upstream and the
	// query endpoints serve the local stdio proxy.
	r.Get("/health", cfg.Results.HealthCheck)
	r.Post("/webhook", cfg.Webhooks.Handle)
	r.Get("/call-result/{callControlID}", cfg.Results.GetResult)
	r.Post("/start-conversation", cfg.Results.StartConversation)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}
