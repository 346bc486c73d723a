package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cortex/internal/agentview"
	"cortex/internal/logging"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultInitialDelay  = 500 * time.Millisecond
	defaultRetryBackoff  = 3 * time.Second
	maxStreamFailures    = 3
	streamBufferInitial  = 64 * 1024
	streamBufferMax      = 1024 * 1024
	snapshotFetchTimeout = 10 * time.Second
)

// errServerReconnect distinguishes a server-requested reconnect (clean
// lifetime rotation) from a transport failure.
var errServerReconnect = errors.New("server requested reconnect")

// Watcher keeps one State current against a cortex server. It prefers
// the SSE stream; repeated stream failures demote it to snapshot
// polling for the rest of its lifetime, since an environment that
// breaks streaming once (buffering proxy, serverless ingress) will
// keep breaking it.
type Watcher struct {
	baseURL      string
	http         *http.Client
	logger       logging.Logger
	cache        *SnapshotCache
	onUpdate     func(State)
	pollInterval time.Duration
	initialDelay time.Duration
	retryBackoff time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	state       State
	pollingOnly bool
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) WatcherOption {
	return func(w *Watcher) { w.http = client }
}

// WithCache enables the local snapshot cache.
func WithCache(cache *SnapshotCache) WatcherOption {
	return func(w *Watcher) { w.cache = cache }
}

// WithOnUpdate registers a callback invoked after every state change.
func WithOnUpdate(fn func(State)) WatcherOption {
	return func(w *Watcher) { w.onUpdate = fn }
}

// WithPollInterval overrides the fallback polling cadence.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithInitialDelay overrides the delay before the first snapshot poll.
func WithInitialDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.initialDelay = d }
}

// WithRetryBackoff overrides the pause between stream reconnect
// attempts.
func WithRetryBackoff(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.retryBackoff = d }
}

// NewWatcher builds a watcher against baseURL (scheme+host, no
// trailing slash required).
func NewWatcher(baseURL string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		logger:       logging.Nop(),
		pollInterval: defaultPollInterval,
		initialDelay: defaultInitialDelay,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNop(w.logger)
	return w
}

// State returns the latest reconciled state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Run drives the watcher until ctx is cancelled. It seeds from the
// snapshot cache, takes one snapshot poll so the consumer is never
// blank while the stream handshakes, then holds the SSE stream open,
// reconnecting on failure and demoting to polling after repeated
// failures.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cache != nil {
		if cached, ok := w.cache.Load(); ok {
			cached.ConnectionType = ConnectionPolling
			w.apply(cached)
			w.logger.Debug("restored snapshot from cache (%d sessions)", len(cached.Sessions))
		}
	}

	if !sleepCtx(ctx, w.initialDelay) {
		return ctx.Err()
	}
	if err := w.pollOnce(ctx); err != nil {
		w.logger.Warn("initial snapshot poll failed: %v", err)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.mu.RLock()
		pollingOnly := w.pollingOnly
		w.mu.RUnlock()
		if pollingOnly {
			return w.pollLoop(ctx)
		}

		err := w.stream(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errServerReconnect):
			// Clean rotation: reconnect without backoff or penalty.
			failures = 0
			continue
		default:
			failures++
			w.logger.Warn("stream attempt %d failed: %v", failures, err)
			if failures >= maxStreamFailures {
				w.mu.Lock()
				w.pollingOnly = true
				w.mu.Unlock()
				w.logger.Info("stream unavailable after %d attempts, switching to polling every %s",
					failures, w.pollInterval)
				continue
			}
			if !sleepCtx(ctx, w.retryBackoff) {
				return ctx.Err()
			}
		}
	}
}

// stream holds one SSE connection open and applies its events.
func (w *Watcher) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/api/agents/stream", nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, streamBufferInitial), streamBufferMax)

	var eventName string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				if err := w.handleEvent(eventName, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errors.New("stream closed by server")
}

// sessionsPayload mirrors the server's sessions event body.
type sessionsPayload struct {
	Sessions []agentview.AgentSession `json:"sessions"`
	Nodes    []agentview.NodeState    `json:"nodes"`
	Summary  agentview.Summary        `json:"summary"`
	Source   string                   `json:"source"`
}

func (w *Watcher) handleEvent(event, data string) error {
	switch event {
	case "connected":
		w.logger.Debug("stream connected")
	case "sessions":
		var payload sessionsPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			w.logger.Warn("unparseable sessions event: %v", err)
			return nil
		}
		w.apply(State{
			Sessions:       payload.Sessions,
			Nodes:          payload.Nodes,
			Summary:        payload.Summary,
			ActiveCount:    payload.Summary.Running,
			Source:         payload.Source,
			ConnectionType: ConnectionSSE,
		})
	case "reconnect":
		return errServerReconnect
	default:
		w.logger.Debug("ignoring stream event %q", event)
	}
	return nil
}

// pollLoop is the degraded mode: periodic snapshot fetches for the
// rest of the watcher's lifetime.
func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.logger.Warn("snapshot poll failed: %v", err)
			}
		}
	}
}

// pollOnce fetches one /api/agents snapshot and applies it.
func (w *Watcher) pollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, snapshotFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/api/agents", nil)
	if err != nil {
		return fmt.Errorf("create snapshot request: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot rejected: status %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Sessions    []agentview.AgentSession `json:"sessions"`
			Nodes       []agentview.NodeState    `json:"nodes"`
			Summary     agentview.Summary        `json:"summary"`
			ActiveCount int                      `json:"activeCount"`
			Source      string                   `json:"source"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if !envelope.Success {
		return errors.New("snapshot envelope reported failure")
	}

	w.apply(State{
		Sessions:       envelope.Data.Sessions,
		Nodes:          envelope.Data.Nodes,
		Summary:        envelope.Data.Summary,
		ActiveCount:    envelope.Data.ActiveCount,
		Source:         envelope.Data.Source,
		ConnectionType: ConnectionPolling,
	})
	return nil
}

// apply installs a new state, persists gateway-sourced snapshots, and
// notifies the consumer.
func (w *Watcher) apply(state State) {
	state.LastUpdated = w.now()

	w.mu.Lock()
	w.state = state
	onUpdate := w.onUpdate
	w.mu.Unlock()

	if w.cache != nil && state.Source == "gateway" {
		if err := w.cache.Store(state); err != nil {
			w.logger.Warn("snapshot cache write failed: %v", err)
		}
	}
	if onUpdate != nil {
		onUpdate(state)
	}
}

// sleepCtx sleeps for d unless ctx ends first; it reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
