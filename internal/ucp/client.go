package ucp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

var (
	errEmptyBody = errors.New("empty response body")
	errNoResult  = errors.New("response carries no result")
)

// Required headers on every protocol request.
const (
	extensionsHeader = "X-A2A-Extensions"
	profileHeader    = "UCP-Agent-Profile"

	ucpExtensionURI = "https://github.com/google-agentic-commerce/ucp/v1"
)

// Client sends single-shot protocol requests to the remote commerce
// agent. There is no retry logic: a send is not guaranteed idempotent, so
// every failure surfaces to the caller exactly once.
type Client struct {
	httpClient *http.Client
	endpoint   string
	profile    string
	logger     *slog.Logger
	newID      func() string
}

// ClientConfig holds configuration for the agent transport client.
type ClientConfig struct {
	Endpoint       string
	AgentProfile   string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns configuration from the environment with
// sensible defaults.
func DefaultClientConfig() ClientConfig {
	timeout := 30 * time.Second
	if v := os.Getenv("UCP_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		}
	}
	return ClientConfig{
		Endpoint:       getEnv("UCP_AGENT_URL", "http://localhost:10000/ucp"),
		AgentProfile:   getEnv("UCP_AGENT_PROFILE", "https://plantkart.example/profiles/storefront.json"),
		RequestTimeout: timeout,
	}
}

// NewClient creates a transport client for the given agent endpoint. An
// empty endpoint falls back to configuration from the environment.
func NewClient(endpoint string, logger *slog.Logger, newID func() string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultClientConfig()
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		endpoint:   cfg.Endpoint,
		profile:    cfg.AgentProfile,
		logger:     logger,
		newID:      newID,
	}
}

// SendOptions carries per-request correlation state and extra headers.
type SendOptions struct {
	ContextID string
	TaskID    string
	Headers   map[string]string
}

// SendMessage sends one message/send request and returns the decoded
// result. A fresh request id and message id are generated per call and
// never reused. Non-2xx status, an empty body, or a JSON-RPC error object
// are all hard failures.
func (c *Client) SendMessage(ctx context.Context, parts []Part, opts SendOptions) (*Result, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      c.newID(),
		Method:  "message/send",
		Params: RequestParams{
			Message: Message{
				Role:      "user",
				Parts:     parts,
				MessageID: c.newID(),
				Kind:      "message",
				ContextID: opts.ContextID,
				TaskID:    opts.TaskID,
			},
			Configuration: Configuration{HistoryLength: 0},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(extensionsHeader, ucpExtensionURI)
	httpReq.Header.Set(profileHeader, c.profile)
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close agent response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, truncateForLog(raw))
	}
	if len(raw) == 0 {
		return nil, errEmptyBody
	}

	var envelope Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if envelope.Result == nil {
		return nil, errNoResult
	}

	return envelope.Result, nil
}

func truncateForLog(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "…"
	}
	return string(body)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
