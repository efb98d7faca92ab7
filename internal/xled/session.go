package xled

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const challengeSize = 32

// Login posts a random challenge and stores the token and challenge
// response the device answers with. The token is not usable until
// Verify accepts it.
func (c *Client) Login(ctx context.Context) error {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return &AuthError{Op: "login", Err: err}
	}

	// A stale token header on a login request confuses some firmware;
	// drop it before the round trip.
	c.mu.Lock()
	c.token = ""
	c.tokenRaw = nil
	c.challengeResp = ""
	c.mu.Unlock()

	req := struct {
		Challenge string `json:"challenge"`
	}{Challenge: base64.StdEncoding.EncodeToString(challenge)}
	var resp struct {
		Token         string `json:"authentication_token"`
		ExpiresIn     int    `json:"authentication_token_expires_in"`
		ChallengeResp string `json:"challenge-response"`
	}
	if err := c.post(ctx, "/login", "login", req, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return &AuthError{Op: "login", Err: errors.New("empty authentication token")}
	}

	c.mu.Lock()
	c.token = resp.Token
	c.challengeResp = resp.ChallengeResp
	c.mu.Unlock()

	c.logger.Debug("login accepted", zap.Int("expiresIn", resp.ExpiresIn))
	return nil
}

// Verify echoes the challenge response back under the new token,
// activating it for authenticated endpoints.
func (c *Client) Verify(ctx context.Context) error {
	c.mu.RLock()
	cr := c.challengeResp
	tok := c.token
	c.mu.RUnlock()
	if tok == "" {
		return &AuthError{Op: "verify", Err: errors.New("verify before login")}
	}

	req := struct {
		ChallengeResp string `json:"challenge-response"`
	}{ChallengeResp: cr}
	if err := c.post(ctx, "/verify", "verify", req, nil); err != nil {
		return err
	}
	return nil
}

// Authenticate runs the full handshake and decodes the token into the
// binary form realtime frame headers carry.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	if err := c.Verify(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := base64.StdEncoding.DecodeString(c.token)
	if err != nil {
		c.token = ""
		return &AuthError{Op: "authenticate", Err: fmt.Errorf("token is not valid base64: %w", err)}
	}
	c.tokenRaw = raw
	c.logger.Info("session established", zap.Int("tokenBytes", len(raw)))
	return nil
}

// CheckHealth probes whether the session is still good for realtime
// streaming. It never returns an error; every failure degrades to a
// non-ok verdict so periodic callers can fire and forget.
func (c *Client) CheckHealth(ctx context.Context) Health {
	var resp struct {
		Mode string `json:"mode"`
	}
	err := c.get(ctx, "/led/mode", "health", &resp)
	if err == nil {
		if resp.Mode == ModeRealtime {
			return HealthOK
		}
		return healthWrongMode(resp.Mode)
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return healthBadStatus(pe.Code)
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return Health("auth")
	}
	c.logger.Debug("health probe failed", zap.Error(err))
	return HealthError
}
