// Package client is the consumer side of the agent session feed: it
// keeps one reconciled State current by reading the server's SSE
// stream, degrading to snapshot polling when streaming is not
// available, and seeding from a local snapshot cache on cold start.
package client

import (
	"time"

	"cortex/internal/agentview"
)

// Connection types reported in State. The consumer can surface which
// transport is feeding it.
const (
	ConnectionSSE     = "sse"
	ConnectionPolling = "polling"
)

// SourceCache marks a snapshot restored from the local cache file
// before the first successful fetch. Live snapshots carry the server's
// own source tag ("gateway" or "fallback").
const SourceCache = "cache"

// State is the reconciled view a consumer renders from. Every update
// replaces the whole value; there is no partial patching.
type State struct {
	Sessions       []agentview.AgentSession `json:"sessions"`
	Nodes          []agentview.NodeState    `json:"nodes"`
	Summary        agentview.Summary        `json:"summary"`
	ActiveCount    int                      `json:"activeCount"`
	Source         string                   `json:"source"`
	ConnectionType string                   `json:"connectionType"`
	LastUpdated    time.Time                `json:"lastUpdated"`
}
