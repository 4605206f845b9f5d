package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openctemio/gateway/internal/authz"
	"github.com/openctemio/gateway/internal/tenant"
	"github.com/openctemio/gateway/pkg/logger"
)

// ErrExchangeRejected is returned when the identity service refuses a
// refresh-token exchange (invalid, revoked, or expired token).
var ErrExchangeRejected = errors.New("identity: token exchange rejected")

// ClientConfig holds identity-service client configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the upstream identity service over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new identity-service client.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.With("component", "identity_client"),
	}, nil
}

// TokenPair is the result of a refresh-token exchange.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}

// FetchPermissionSpec fetches the current endpoint permission spec.
func (c *Client) FetchPermissionSpec(ctx context.Context) (*authz.PermissionSpec, error) {
	var spec authz.PermissionSpec
	if err := c.getJSON(ctx, "/internal/permissions/spec", &spec); err != nil {
		return nil, fmt.Errorf("fetch permission spec: %w", err)
	}
	return &spec, nil
}

// FetchPermissionHash fetches the effective permission digest for one user.
func (c *Client) FetchPermissionHash(ctx context.Context, tenantID, userID string) (*authz.PermissionHash, error) {
	path := fmt.Sprintf("/internal/permissions/hash?tenant_id=%s&user_id=%s",
		url.QueryEscape(tenantID), url.QueryEscape(userID))

	var hash authz.PermissionHash
	if err := c.getJSON(ctx, path, &hash); err != nil {
		return nil, fmt.Errorf("fetch permission hash: %w", err)
	}
	return &hash, nil
}

// FetchTenantConfig fetches the configuration for one tenant.
func (c *Client) FetchTenantConfig(ctx context.Context, tenantID string) (*tenant.Config, error) {
	path := "/internal/tenants/" + url.PathEscape(tenantID) + "/config"

	var cfg tenant.Config
	if err := c.getJSON(ctx, path, &cfg); err != nil {
		return nil, fmt.Errorf("fetch tenant config: %w", err)
	}
	return &cfg, nil
}

// ExchangeRefreshToken exchanges a refresh token for a new token pair.
// A 4xx response means the identity service rejected the token.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		c.logger.Warn("token exchange rejected", "status", resp.StatusCode)
		return nil, ErrExchangeRejected
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange: unexpected status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode token pair: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("token exchange: incomplete token pair")
	}

	return &pair, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
