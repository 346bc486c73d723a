package agentview

import (
	"sort"
	"strings"
	"time"
)

// NodeID identifies one capability node on the orchestration diagram.
type NodeID string

const (
	NodeResearch NodeID = "research"
	NodeCode     NodeID = "code"
	NodeProposal NodeID = "proposal"
	NodeContent  NodeID = "content"
	NodeSales    NodeID = "sales"
	NodeAnalyst  NodeID = "analyst"
	NodeQA       NodeID = "qa"
	NodeOutreach NodeID = "outreach"
)

// Position places a node on the diagram, in percent of the canvas.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// NodeConfig is one entry of the declarative roster: a node id plus the
// substring patterns that claim sessions for it.
type NodeConfig struct {
	ID       NodeID
	Name     string
	Emoji    string
	Patterns []string
	Position Position
	Color    string
}

// Nodes is the fixed capability roster. Order matters: the first node
// whose pattern matches claims the session, and the first entry doubles
// as the fallback bucket for generic agent sessions.
var Nodes = []NodeConfig{
	{NodeResearch, "Research", "🔍", []string{"research", "atlas", "analysis", "investigate"}, Position{20, 10}, "#3b82f6"},
	{NodeCode, "Code", "💻", []string{"code", "develop", "engineer", "programming", "codeforge"}, Position{75, 10}, "#22c55e"},
	{NodeProposal, "Proposal", "📝", []string{"proposal", "estimate", "quote", "bid"}, Position{10, 30}, "#8b5cf6"},
	{NodeContent, "Content", "✍️", []string{"content", "write", "blog", "article", "copy", "lumina"}, Position{90, 40}, "#f59e0b"},
	{NodeSales, "Sales", "💰", []string{"sales", "lead", "crm", "hunter", "negotiat"}, Position{5, 55}, "#22d3ee"},
	{NodeAnalyst, "Analyst", "📊", []string{"analyst", "data", "metric", "report", "synthesis", "decision"}, Position{85, 75}, "#ec4899"},
	{NodeQA, "QA", "✅", []string{"qa", "test", "review", "quality", "verify", "advocate"}, Position{20, 85}, "#84cc16"},
	{NodeOutreach, "Outreach", "📧", []string{"outreach", "email", "communication", "network", "stakeholder"}, Position{55, 90}, "#f97316"},
}

// genericPatterns claim sessions that are clearly agent work but match
// no specific capability; those land in the first roster node.
var genericPatterns = []string{"agent", "task", "subagent", "worker", "job", "process"}

// MatchSession finds the roster node a session belongs to, matching
// each pattern against both the label and the session id. Returns nil
// when nothing, not even the generic bucket, matches.
func MatchSession(label, sessionID string) *NodeConfig {
	lowerLabel := strings.ToLower(label)
	lowerID := strings.ToLower(sessionID)

	for i := range Nodes {
		for _, pattern := range Nodes[i].Patterns {
			if strings.Contains(lowerLabel, pattern) || strings.Contains(lowerID, pattern) {
				return &Nodes[i]
			}
		}
	}
	for _, pattern := range genericPatterns {
		if strings.Contains(lowerLabel, pattern) || strings.Contains(lowerID, pattern) {
			return &Nodes[0]
		}
	}
	return nil
}

// NodeStatus is the aggregate state of a capability node.
type NodeStatus string

const (
	NodeWorking   NodeStatus = "working"   // at least one running session
	NodeConnected NodeStatus = "connected" // sessions present, none running
	NodeIdle      NodeStatus = "idle"
)

// NodeState is the derived per-node aggregate. Not persisted anywhere;
// recomputed from the session list on every update.
type NodeState struct {
	ID             NodeID     `json:"id"`
	Name           string     `json:"name"`
	Emoji          string     `json:"emoji"`
	Status         NodeStatus `json:"status"`
	Position       Position   `json:"position"`
	Color          string     `json:"color"`
	ActiveSessions int        `json:"activeSessions"`
	LastActivity   time.Time  `json:"lastActivity,omitzero"`
	CurrentTask    string     `json:"currentTask,omitempty"`
}

// MapSessionsToNodes groups sessions into the roster and derives each
// node's status. Every roster node appears in the result exactly once,
// idle when nothing matched it.
func MapSessionsToNodes(sessions []AgentSession) []NodeState {
	grouped := make(map[NodeID][]AgentSession)
	for _, session := range sessions {
		if node := MatchSession(session.Label, session.ID); node != nil {
			grouped[node.ID] = append(grouped[node.ID], session)
		}
	}

	states := make([]NodeState, 0, len(Nodes))
	for _, node := range Nodes {
		nodeSessions := grouped[node.ID]
		active := 0
		for _, s := range nodeSessions {
			if s.Status == ViewRunning {
				active++
			}
		}

		status := NodeIdle
		if active > 0 {
			status = NodeWorking
		} else if len(nodeSessions) > 0 {
			status = NodeConnected
		}

		sort.Slice(nodeSessions, func(i, j int) bool {
			return nodeSessions[i].StartedAt.After(nodeSessions[j].StartedAt)
		})

		state := NodeState{
			ID:             node.ID,
			Name:           node.Name,
			Emoji:          node.Emoji,
			Status:         status,
			Position:       node.Position,
			Color:          node.Color,
			ActiveSessions: active,
		}
		if len(nodeSessions) > 0 {
			state.LastActivity = nodeSessions[0].StartedAt
			if active > 0 {
				state.CurrentTask = nodeSessions[0].Label
			}
		}
		states = append(states, state)
	}
	return states
}
