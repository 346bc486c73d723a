// Package agentview turns raw gateway sessions into the display model
// the dashboard consumes: normalized per-session rows, an
// order-independent change signature, and the fixed roster of
// capability nodes that sessions aggregate into.
package agentview

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cortex/internal/gateway"
)

// ViewStatus is the four-state display classification. Detection logic
// uses the tri-state gateway.Classify; the view additionally
// distinguishes idle primary sessions from completed worker sessions.
type ViewStatus string

const (
	ViewRunning  ViewStatus = "running"
	ViewComplete ViewStatus = "complete"
	ViewFailed   ViewStatus = "failed"
	ViewIdle     ViewStatus = "idle"
)

// TokenUsage splits a session's token counters for display.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// AgentSession is one row of the live session view.
type AgentSession struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Status    ViewStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	Runtime   string     `json:"runtime"`
	Tokens    TokenUsage `json:"tokens"`
	Model     string     `json:"model"`
}

// FromGateway converts a sessions_list snapshot to the display model.
func FromGateway(sessions []gateway.Session, now time.Time) []AgentSession {
	out := make([]AgentSession, 0, len(sessions))
	for _, raw := range sessions {
		id := raw.ID()
		started := raw.CreatedTime()
		if started.IsZero() {
			started = now
		}
		model := raw.Model
		if model == "" {
			model = "unknown"
		}
		out = append(out, AgentSession{
			ID:        id,
			Label:     displayLabel(id, raw.Label),
			Status:    viewStatus(raw, now),
			StartedAt: started,
			Runtime:   formatRuntime(started, now),
			Tokens: TokenUsage{
				Input:  raw.ContextTokens,
				Output: raw.TotalTokens - raw.ContextTokens,
				Total:  raw.TotalTokens,
			},
			Model: model,
		})
	}
	return out
}

// viewStatus layers the idle distinction on top of the detection
// classifier: stale primary sessions read as idle rather than complete,
// worker kinds (subagent, other) read as complete.
func viewStatus(s gateway.Session, now time.Time) ViewStatus {
	switch gateway.Classify(s, now) {
	case gateway.StatusFailed:
		return ViewFailed
	case gateway.StatusRunning:
		return ViewRunning
	}
	if s.Kind == "other" || s.Kind == "subagent" {
		return ViewComplete
	}
	return ViewIdle
}

// displayLabel falls back to deriving a human label from structured
// session ids of the form "host:channel:type[:sub]".
func displayLabel(sessionID, label string) string {
	if label != "" {
		return label
	}
	parts := strings.Split(sessionID, ":")
	if len(parts) >= 3 {
		kind := parts[2]
		switch {
		case kind == "main":
			return "Main Agent"
		case kind == "subagent" && len(parts) > 3:
			sub := parts[3]
			if len(sub) > 8 {
				sub = sub[:8]
			}
			return "Subagent " + sub
		case kind == "voice":
			return "Voice Session"
		case kind != "":
			return strings.ToUpper(kind[:1]) + kind[1:]
		}
	}
	if len(sessionID) > 20 {
		return sessionID[:20]
	}
	return sessionID
}

func formatRuntime(start, now time.Time) string {
	d := now.Sub(start)
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Round(time.Second).Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Summary aggregates per-status counts for stream payloads.
type Summary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Idle      int `json:"idle"`
}

// Summarize counts sessions by display status.
func Summarize(sessions []AgentSession) Summary {
	s := Summary{Total: len(sessions)}
	for _, session := range sessions {
		switch session.Status {
		case ViewRunning:
			s.Running++
		case ViewComplete:
			s.Completed++
		case ViewFailed:
			s.Failed++
		case ViewIdle:
			s.Idle++
		}
	}
	return s
}

// Signature produces a cheap, order-independent fingerprint of a
// session set. Two set-equal snapshots yield the same string; any
// change to a member's id, status, or token total changes it. The
// stream server uses it to suppress no-op pushes.
func Signature(sessions []AgentSession) string {
	parts := make([]string, len(sessions))
	for i, s := range sessions {
		parts[i] = fmt.Sprintf("%s:%s:%d", s.ID, s.Status, s.Tokens.Total)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
