// Package identity is the client for the upstream credential verifier.
// Password storage and hashing are that service's problem; this one only
// ever sees a yes/no and a user ID.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/config"
)

type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(cfg *config.IdentityConfig, logger *logrus.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type verifyRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify checks credentials against the upstream verifier and returns the
// user ID they authenticate. Any non-200 answer is a refusal.
func (c *Client) Verify(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(verifyRequest{Email: email, Password: password})
	if err != nil {
		return "", fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Error("Credential verifier unreachable")
		return "", fmt.Errorf("credential verifier unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credentials rejected (status %d)", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("failed to decode verify response: %w", err)
	}

	if vr.UserID == "" {
		return "", fmt.Errorf("verifier returned empty user id")
	}

	c.logger.WithField("duration", time.Since(start).String()).Debug("Credentials verified upstream")
	return vr.UserID, nil
}
