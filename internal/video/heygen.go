// Package video triggers avatar-video rendering for completed content
// workflows that produced a video script.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cortex/internal/logging"
	"cortex/internal/workflow"
)

const requestTimeout = 15 * time.Second

// Config carries the render-service endpoint settings.
type Config struct {
	APIURL      string
	APIKey      string
	CallbackURL string
}

// Client submits render requests to the video generation API. It
// implements workflow.VideoTrigger; the poller treats trigger failures
// as non-fatal, so Trigger only has to report them honestly.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// NewClient constructs a render client.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, fmt.Errorf("video client requires an API URL")
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logging.OrNop(logger),
	}, nil
}

// Trigger submits one render request for a video-script asset.
func (c *Client) Trigger(ctx context.Context, asset workflow.Asset) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"bundleId":    asset.BundleID,
		"workflowId":  asset.WorkflowID,
		"title":       asset.Title,
		"script":      asset.Content,
		"callbackUrl": c.cfg.CallbackURL,
	})
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/v1/videos", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("render request rejected: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.Info("render submitted for bundle %s (asset %s)", asset.BundleID, asset.ID)
	return nil
}
