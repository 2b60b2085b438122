package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voicereach-ai/voicereach/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.telnyx.com/v2"
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "voicereach-call-control/0.1"
)

// Config controls how the call-control client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the Telnyx call-control REST endpoints the orchestrator
// drives directly: speak, playback, transcription, hangup, media upload.
// Dialing goes through the subordinate tool provider, not this client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
}

// APIError is a non-2xx response from the Telnyx API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telnyx: API returned %d: %s", e.Status, e.Body)
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("telnyx: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// Speak triggers the platform's built-in TTS on a live call. Used as the
// fallback when no external TTS provider is configured.
func (c *Client) Speak(ctx context.Context, callControlID, text string) error {
	body, err := json.Marshal(struct {
		Payload  string `json:"payload"`
		Voice    string `json:"voice"`
		Language string `json:"language"`
	}{
		Payload:  text,
		Voice:    "female",
		Language: "en-US",
	})
	if err != nil {
		return fmt.Errorf("telnyx: marshal speak body: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/calls/"+callControlID+"/actions/speak", body, "application/json")
	return err
}

// StartPlayback plays a previously uploaded media object on the call.
func (c *Client) StartPlayback(ctx context.Context, callControlID, mediaName string) error {
	body, err := json.Marshal(struct {
		MediaName string `json:"media_name"`
	}{MediaName: mediaName})
	if err != nil {
		return fmt.Errorf("telnyx: marshal playback body: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/calls/"+callControlID+"/actions/playback_start", body, "application/json")
	return err
}

// StartTranscription begins inbound-track transcription on the call.
// Only what the callee says is transcribed; our own audio is excluded so
// voicemail classification is not polluted by the spoken message.
func (c *Client) StartTranscription(ctx context.Context, callControlID, language string) error {
	if language == "" {
		language = "en"
	}
	body, err := json.Marshal(struct {
		Language string `json:"language"`
		Tracks   string `json:"transcription_tracks"`
	}{Language: language, Tracks: "inbound"})
	if err != nil {
		return fmt.Errorf("telnyx: marshal transcription body: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/calls/"+callControlID+"/actions/transcription_start", body, "application/json")
	return err
}

// Hangup terminates the call.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	_, err := c.invoke(ctx, http.MethodPost, "/calls/"+callControlID+"/actions/hangup", []byte("{}"), "application/json")
	return err
}

// UploadMedia streams an audio object into the platform's media store under
// the given name so it can be referenced by StartPlayback.
func (c *Client) UploadMedia(ctx context.Context, mediaName string, audio io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("media_name", mediaName); err != nil {
		return fmt.Errorf("telnyx: write media_name field: %w", err)
	}
	part, err := mw.CreateFormFile("media", mediaName)
	if err != nil {
		return fmt.Errorf("telnyx: create media part: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("telnyx: copy media bytes: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telnyx: finalize multipart body: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/media", buf.Bytes(), mw.FormDataContentType())
	return err
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telnyx: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telnyx: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telnyx: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
