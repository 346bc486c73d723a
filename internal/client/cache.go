package client

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// defaultCacheExpiry bounds how stale a restored snapshot may be. A
// snapshot older than this is worse than an empty screen because it
// shows agents that finished long ago as live.
const defaultCacheExpiry = 5 * time.Minute

// SnapshotCache persists the last gateway-sourced State to a JSON file
// so a restarting consumer has something to show before its first
// fetch completes.
type SnapshotCache struct {
	path   string
	expiry time.Duration
	now    func() time.Time
}

// NewSnapshotCache builds a cache at path. A zero expiry selects the
// default.
func NewSnapshotCache(path string, expiry time.Duration) *SnapshotCache {
	if expiry <= 0 {
		expiry = defaultCacheExpiry
	}
	return &SnapshotCache{path: path, expiry: expiry, now: time.Now}
}

type cachedSnapshot struct {
	SavedAt time.Time `json:"savedAt"`
	State   State     `json:"state"`
}

// Load restores the cached snapshot. It reports false for a missing,
// unreadable, or expired file; the cache is an optimization, never an
// error source.
func (c *SnapshotCache) Load() (State, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return State{}, false
	}
	var snap cachedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return State{}, false
	}
	if c.now().Sub(snap.SavedAt) > c.expiry {
		return State{}, false
	}
	state := snap.State
	state.Source = SourceCache
	return state, true
}

// Store writes the snapshot. Callers only store gateway-sourced
// states; caching a fallback or cache-sourced state would let stale
// data refresh its own expiry forever.
func (c *SnapshotCache) Store(state State) error {
	data, err := json.Marshal(cachedSnapshot{SavedAt: c.now(), State: state})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
