// Package payment talks to the credential vault that stores the
// shopper's saved payment methods and mints single-use payment tokens.
package payment

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
	"strings"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
)

// ErrNoCredential is returned when the vault has no usable credential
// for the given user and method.
var ErrNoCredential = errors.New("no stored payment credential")

const defaultTimeout = 10 * time.Second

// ClientConfig holds vault client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultClientConfig returns configuration from environment variables.
func DefaultClientConfig() ClientConfig {
	cfg := ClientConfig{
		BaseURL: getEnv("PAYMENT_VAULT_URL", "http://localhost:8090"),
		APIKey:  os.Getenv("PAYMENT_VAULT_API_KEY"),
		Timeout: defaultTimeout,
	}
	if v := os.Getenv("PAYMENT_VAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	return cfg
}

// Client is the HTTP client for the payment vault.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a vault client from config.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     logger,
	}
}

type listMethodsRequest struct {
	UserID        string         `json:"user_id"`
	HandlerConfig map[string]any `json:"handler_config,omitempty"`
}

type listMethodsResponse struct {
	Methods []domain.PaymentMethod `json:"methods"`
}

// ListMethods returns the user's saved payment methods. The handler
// config from the checkout is forwarded so the vault can filter methods
// the provider cannot charge.
func (c *Client) ListMethods(ctx context.Context, userID string, handlerConfig map[string]any) ([]domain.PaymentMethod, error) {
	var resp listMethodsResponse
	err := c.post(ctx, "/v1/methods/list", listMethodsRequest{
		UserID:        userID,
		HandlerConfig: handlerConfig,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Methods, nil
}

type resolveTokenRequest struct {
	UserID   string `json:"user_id"`
	MethodID string `json:"method_id"`
}

type resolveTokenResponse struct {
	Instrument *domain.PaymentInstrument `json:"instrument"`
}

// ResolveToken mints a single-use payment instrument for the chosen
// method. A vault that knows the method but holds no chargeable
// credential answers with an empty instrument; that is a hard error
// here, the checkout cannot proceed without one.
func (c *Client) ResolveToken(ctx context.Context, userID, methodID string) (*domain.PaymentInstrument, error) {
	var resp resolveTokenResponse
	err := c.post(ctx, "/v1/tokens/resolve", resolveTokenRequest{
		UserID:   userID,
		MethodID: methodID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Instrument == nil || resp.Instrument.Token == "" {
		return nil, ErrNoCredential
	}
	return resp.Instrument, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close vault response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vault returned status %d: %s", resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode vault response: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
