package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cortex/internal/logging"
)

const (
	listTimeout    = 8 * time.Second
	historyTimeout = 10 * time.Second
	healthTimeout  = 5 * time.Second

	// historyMessageLimit bounds how far back FetchHistory looks for the
	// final assistant message.
	historyMessageLimit = 5
)

// Config carries the gateway endpoint settings.
type Config struct {
	BaseURL string
	Token   string

	// Hosted marks a deployment that cannot reach a localhost gateway.
	// When the base URL points at localhost anyway, every call short
	// circuits to "unavailable" instead of burning a timeout on a
	// connection that can never succeed.
	Hosted bool
}

// Client issues best-effort reads against the gateway's tool-invocation
// endpoint. List and history calls never return errors: transient I/O
// failures, non-JSON bodies, and timeouts all collapse to empty results
// so pollers degrade to "not found, retry next tick" instead of
// propagating exceptions.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
	now    func() time.Time
}

// NewClient constructs a gateway client.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway client requires a base URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logging.OrNop(logger),
		now:    time.Now,
	}, nil
}

// unreachable reports the hosted+localhost combination that can never
// produce a successful call.
func (c *Client) unreachable() bool {
	return c.cfg.Hosted &&
		(strings.Contains(c.cfg.BaseURL, "localhost") || strings.Contains(c.cfg.BaseURL, "127.0.0.1"))
}

// invoke POSTs {tool, args} to /tools/invoke and decodes the envelope.
// This is the only place that talks HTTP to the gateway.
func (c *Client) invoke(ctx context.Context, tool string, args any, timeout time.Duration) (invokeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"tool": tool, "args": args})
	if err != nil {
		return invokeResponse{}, fmt.Errorf("marshal %s request: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return invokeResponse{}, fmt.Errorf("build %s request: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return invokeResponse{}, fmt.Errorf("%s: %w", tool, err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return invokeResponse{}, fmt.Errorf("%s: gateway returned non-JSON content-type %q", tool, ct)
	}

	var decoded invokeResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return invokeResponse{}, fmt.Errorf("decode %s response: %w", tool, err)
	}
	return decoded, nil
}

// ListSessions fetches recent session metadata. Best effort: every
// failure mode returns an empty slice.
func (c *Client) ListSessions(ctx context.Context, activeMinutes, messageLimit int) []Session {
	if c.unreachable() {
		return nil
	}

	res, err := c.invoke(ctx, "sessions_list", map[string]any{
		"activeMinutes": activeMinutes,
		"messageLimit":  messageLimit,
	}, listTimeout)
	if err != nil {
		c.logger.Warn("sessions_list failed: %v", err)
		return nil
	}
	if !res.OK {
		return nil
	}

	var result sessionListResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.logger.Warn("sessions_list: unexpected result shape: %v", err)
		return nil
	}
	return result.sessions()
}

// FetchHistory returns the last assistant message of a session's
// transcript, or "" when the session has no history, the gateway is
// unreachable, or the call fails. Never returns an error.
func (c *Client) FetchHistory(ctx context.Context, sessionKey string) string {
	if c.unreachable() || sessionKey == "" {
		return ""
	}

	res, err := c.invoke(ctx, "sessions_history", map[string]any{
		"sessionKey":   sessionKey,
		"limit":        historyMessageLimit,
		"includeTools": false,
	}, historyTimeout)
	if err != nil {
		c.logger.Warn("sessions_history %s failed: %v", sessionKey, err)
		return ""
	}
	if !res.OK {
		return ""
	}

	var result historyResult
	if err := json.Unmarshal(res.Result, &result); err == nil {
		if text := lastAssistantText(result.messages()); text != "" {
			return text
		}
	}

	// Some gateway builds return the transcript tail as a flat string.
	var flat string
	if err := json.Unmarshal(res.Result, &flat); err == nil {
		return flat
	}
	return ""
}

// Health reports gateway reachability and latency.
type Health struct {
	Connected      bool   `json:"connected"`
	LatencyMS      int64  `json:"latency"`
	Model          string `json:"model,omitempty"`
	ActiveSessions int    `json:"sessions,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// CheckHealth probes the gateway with a session_status invocation.
func (c *Client) CheckHealth(ctx context.Context) Health {
	start := c.now()
	if c.unreachable() {
		return Health{Reason: "gateway unavailable in hosted deployment (localhost)"}
	}

	res, err := c.invoke(ctx, "session_status", map[string]any{}, healthTimeout)
	latency := c.now().Sub(start).Milliseconds()
	if err != nil {
		return Health{LatencyMS: latency, Reason: err.Error()}
	}
	if !res.OK {
		reason := "gateway reported not ok"
		if res.Error != nil && res.Error.Message != "" {
			reason = res.Error.Message
		}
		return Health{LatencyMS: latency, Reason: reason}
	}

	var status struct {
		Model          string `json:"model"`
		ActiveSessions int    `json:"activeSessions"`
	}
	_ = json.Unmarshal(res.Result, &status)
	return Health{
		Connected:      true,
		LatencyMS:      latency,
		Model:          status.Model,
		ActiveSessions: status.ActiveSessions,
	}
}
