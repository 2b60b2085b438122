package mcpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OrchestratorClient talks to the orchestration server's HTTP API on
// behalf of the synthetic tools.
type OrchestratorClient struct {
	baseURL    string
	httpClient *http.Client
}

// OrchestratorConfig configures the client.
type OrchestratorConfig struct {
	BaseURL string
	// Timeout applies per request; defaults to 10s.
	Timeout time.Duration
}

// NewOrchestratorClient creates a client for the orchestration server.
func NewOrchestratorClient(cfg OrchestratorConfig) (*OrchestratorClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrator: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OrchestratorClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StartConversationRequest registers a multi-turn conversation for a
// freshly dialed call.
type StartConversationRequest struct {
	CallControlID  string `json:"callControlId"`
	SystemPrompt   string `json:"systemPrompt"`
	InitialMessage string `json:"initialMessage"`
	MaxTurns       int    `json:"maxTurns,omitempty"`
}

// RegisterConversation posts the registration. It must complete before
// the answered webhook for the call is handled, so it is called inline
// from the dial path.
func (c *OrchestratorClient) RegisterConversation(ctx context.Context, req StartConversationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("orchestrator: encode registration: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start-conversation", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orchestrator: build registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("orchestrator: register conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("orchestrator: register conversation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// CallResult fetches the result record for a call. The response is kept
// as a generic map so the proxy can annotate and relay it without
// tracking every field the orchestration server adds.
func (c *OrchestratorClient) CallResult(ctx context.Context, callControlID string) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/call-result/"+callControlID, nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build result request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fetch call result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator: fetch call result: status %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("orchestrator: decode call result: %w", err)
	}
	return result, nil
}
