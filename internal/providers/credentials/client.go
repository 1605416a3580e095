// Package credentials fetches short-lived realtime tokens from the app backend.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carenote/internal/domain"
)

// Config controls the token endpoint client.
type Config struct {
	Endpoint     string
	SessionToken string
	Timeout      time.Duration
}

// Client implements ports.CredentialSource over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// Token posts an empty request to the endpoint. Service-unavailable and
// authorization refusals map to domain.ErrPrimaryUnavailable.
func (c *Client) Token(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		return "", fmt.Errorf("%w: no credential endpoint configured", domain.ErrPrimaryUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.SessionToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable, http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: token endpoint returned %d", domain.ErrPrimaryUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return parsed.Token, nil
}
