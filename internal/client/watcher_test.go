package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/agentview"
)

func snapshotBody(source string, running int) string {
	data, _ := json.Marshal(map[string]any{
		"success": true,
		"data": map[string]any{
			"sessions":    []agentview.AgentSession{{ID: "s1", Status: agentview.ViewRunning}},
			"nodes":       []agentview.NodeState{},
			"summary":     agentview.Summary{Total: 1, Running: running},
			"activeCount": running,
			"source":      source,
		},
	})
	return string(data)
}

// collectStates wires an update channel into watcher options.
func collectStates(buffer int) (chan State, WatcherOption) {
	updates := make(chan State, buffer)
	return updates, WithOnUpdate(func(s State) {
		select {
		case updates <- s:
		default:
		}
	})
}

func waitState(t *testing.T, updates <-chan State, accept func(State) bool) State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-updates:
			if accept(state) {
				return state
			}
		case <-deadline:
			t.Fatal("timed out waiting for state update")
		}
	}
}

func TestWatcherStreamsSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents":
			fmt.Fprint(w, snapshotBody("gateway", 1))
		case "/api/agents/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
			payload, _ := json.Marshal(sessionsPayload{
				Sessions: []agentview.AgentSession{{ID: "s1", Status: agentview.ViewRunning}},
				Summary:  agentview.Summary{Total: 1, Running: 1},
				Source:   "gateway",
			})
			fmt.Fprintf(w, "event: sessions\ndata: %s\n\n", payload)
			flusher.Flush()
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	updates, onUpdate := collectStates(16)
	w := NewWatcher(srv.URL, onUpdate, WithInitialDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	state := waitState(t, updates, func(s State) bool { return s.ConnectionType == ConnectionSSE })
	assert.Equal(t, "gateway", state.Source)
	assert.Equal(t, 1, state.ActiveCount)
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, "s1", state.Sessions[0].ID)
}

func TestWatcherReconnectEventReopensStream(t *testing.T) {
	var streamOpens atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents":
			fmt.Fprint(w, snapshotBody("gateway", 0))
		case "/api/agents/stream":
			n := streamOpens.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			if n == 1 {
				fmt.Fprintf(w, "event: reconnect\ndata: {\"reason\":\"rotation\"}\n\n")
				flusher.Flush()
				return
			}
			payload, _ := json.Marshal(sessionsPayload{Source: "gateway"})
			fmt.Fprintf(w, "event: sessions\ndata: %s\n\n", payload)
			flusher.Flush()
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	updates, onUpdate := collectStates(16)
	w := NewWatcher(srv.URL, onUpdate, WithInitialDelay(0), WithRetryBackoff(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitState(t, updates, func(s State) bool { return s.ConnectionType == ConnectionSSE })
	assert.GreaterOrEqual(t, streamOpens.Load(), int64(2))
}

func TestWatcherDemotesToPollingPermanently(t *testing.T) {
	var streamOpens atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents":
			fmt.Fprint(w, snapshotBody("gateway", 0))
		case "/api/agents/stream":
			streamOpens.Add(1)
			http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	updates, onUpdate := collectStates(64)
	w := NewWatcher(srv.URL, onUpdate,
		WithInitialDelay(0),
		WithRetryBackoff(time.Millisecond),
		WithPollInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return streamOpens.Load() == int64(maxStreamFailures)
	}, 2*time.Second, time.Millisecond)

	// Polling keeps delivering and the stream is never retried.
	waitState(t, updates, func(s State) bool { return s.ConnectionType == ConnectionPolling })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(maxStreamFailures), streamOpens.Load())
}

func TestWatcherCachesOnlyGatewaySnapshots(t *testing.T) {
	var source atomic.Value
	source.Store("fallback")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/agents":
			fmt.Fprint(w, snapshotBody(source.Load().(string), 1))
		case "/api/agents/stream":
			http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "snapshot.json")
	updates, onUpdate := collectStates(64)
	w := NewWatcher(srv.URL, onUpdate,
		WithInitialDelay(0),
		WithRetryBackoff(time.Millisecond),
		WithPollInterval(5*time.Millisecond),
		WithCache(NewSnapshotCache(cachePath, time.Minute)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitState(t, updates, func(s State) bool { return s.Source == "fallback" })
	_, err := os.Stat(cachePath)
	assert.True(t, os.IsNotExist(err), "fallback snapshot must not be cached")

	source.Store("gateway")
	waitState(t, updates, func(s State) bool { return s.Source == "gateway" })

	require.Eventually(t, func() bool {
		_, err := os.Stat(cachePath)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatcherSeedsFromCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "snapshot.json")
	cache := NewSnapshotCache(cachePath, time.Minute)
	require.NoError(t, cache.Store(State{
		Sessions: []agentview.AgentSession{{ID: "cached"}},
		Source:   "gateway",
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	updates, onUpdate := collectStates(16)
	w := NewWatcher(srv.URL, onUpdate,
		WithInitialDelay(0),
		WithRetryBackoff(time.Millisecond),
		WithPollInterval(time.Second),
		WithCache(cache),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	state := waitState(t, updates, func(s State) bool { return s.Source == SourceCache })
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, "cached", state.Sessions[0].ID)
	assert.Equal(t, ConnectionPolling, state.ConnectionType)
}

func TestSnapshotCacheExpiry(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "snapshot.json")
	cache := NewSnapshotCache(cachePath, time.Minute)
	require.NoError(t, cache.Store(State{Source: "gateway"}))

	_, ok := cache.Load()
	assert.True(t, ok)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok = cache.Load()
	assert.False(t, ok, "expired snapshot must not load")
}
