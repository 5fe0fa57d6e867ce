// Package controlplane is the outbound half of the node's contract
// with the platform: readiness, heartbeat, and cleanup callbacks, plus
// agent credential fetches. Every call is wrapped in the retry engine;
// the payload schemas are owned by the control plane.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/perchhq/perch/internal/retry"
)

const tokenTTL = 5 * time.Minute

type Client struct {
	baseURL     string
	nodeID      string
	workspaceID string
	secret      []byte

	http     *http.Client
	logger   *slog.Logger
	retryCfg retry.Config
}

func NewClient(baseURL, nodeID, workspaceID, secret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		nodeID:      nodeID,
		workspaceID: workspaceID,
		secret:      []byte(secret),
		http:        &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
		retryCfg:    retry.Config{}, // engine defaults
	}
}

// signToken mints a short-lived HS256 token identifying this node.
func (c *Client) signToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         c.nodeID,
		"workspaceId": c.workspaceID,
		"iat":         now.Unix(),
		"exp":         now.Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign node token: %w", err)
	}
	return signed, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.signToken()
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// NotifyReady tells the control plane this node is serving.
func (c *Client) NotifyReady(ctx context.Context) error {
	payload := map[string]any{
		"nodeId":      c.nodeID,
		"workspaceId": c.workspaceID,
		"status":      "ready",
	}
	return retry.Do(ctx, c.retryCfg, "node-ready", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/nodes/ready", payload)
	})
}

// Heartbeat reports liveness and the current session count.
func (c *Client) Heartbeat(ctx context.Context, sessionCount int) error {
	payload := map[string]any{
		"nodeId":       c.nodeID,
		"workspaceId":  c.workspaceID,
		"sessionCount": sessionCount,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	// Heartbeats are cheap and periodic; a missed one is recovered by
	// the next tick, so the retry budget stays small.
	cfg := retry.Config{MaxAttempts: 2, MaxElapsed: 20 * time.Second}
	return retry.Do(ctx, cfg, "heartbeat", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/nodes/heartbeat", payload)
	})
}

// Cleanup tells the control plane this node is shutting down.
func (c *Client) Cleanup(ctx context.Context) error {
	payload := map[string]any{
		"nodeId":      c.nodeID,
		"workspaceId": c.workspaceID,
	}
	return retry.Do(ctx, c.retryCfg, "cleanup", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/nodes/cleanup", payload)
	})
}

// FetchAgentKey retrieves the API credential for an agent type. The
// key is requested on demand and never persisted on the node.
func (c *Client) FetchAgentKey(ctx context.Context, agentType string) (string, error) {
	var key string
	err := retry.Do(ctx, c.retryCfg, "fetch-agent-key", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/api/v1/nodes/agent-key?agentType="+agentType, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		token, err := c.signToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetch agent key: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch agent key: status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read agent key response: %w", err)
		}
		var parsed struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decode agent key response: %w", err)
		}
		if parsed.APIKey == "" {
			return fmt.Errorf("control plane returned empty key for %s", agentType)
		}
		key = parsed.APIKey
		return nil
	})
	return key, err
}

// VerifyToken checks an inbound control-plane token signed with the
// shared node secret. Returns the subject claim.
func (c *Client) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// RunHeartbeats posts a heartbeat every interval until ctx is
// cancelled. sessionCount is sampled at each tick.
func (c *Client) RunHeartbeats(ctx context.Context, interval time.Duration, sessionCount func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, sessionCount()); err != nil {
				c.logger.Warn("heartbeat failed", "err", err)
			}
		}
	}
}
