// Package gateway is the client for the external agent-session RPC
// service. The gateway exposes long-running AI sessions through a
// generic tool-invocation endpoint and is the source of truth for agent
// execution state; it is polled, never pushes.
//
// The gateway's response shapes are inconsistent across deployments
// (sessions nested under result.details or result, history under
// messages or history, message content as a string or a list of typed
// parts). All of that sniffing is normalized here so every consumer
// sees one shape.
package gateway

import (
	"encoding/json"
	"strings"
	"time"
)

// Session is the gateway's read-only view of one remote agent
// execution. Identity is Key with SessionID as fallback; Label is a
// secondary lookup key with conventional forms like "workflow-{id}" or
// "research-{bundleId}". There is no uniqueness guarantee across the
// two, so callers must try both.
type Session struct {
	Key            string `json:"key,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Label          string `json:"label,omitempty"`
	Status         string `json:"status,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"` // epoch ms
	UpdatedAt      int64  `json:"updatedAt,omitempty"` // epoch ms
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Model          string `json:"model,omitempty"`
	TotalTokens    int    `json:"totalTokens,omitempty"`
	ContextTokens  int    `json:"contextTokens,omitempty"`
}

// ID returns the session's primary identity: key, falling back to
// sessionId, falling back to "unknown".
func (s Session) ID() string {
	if s.Key != "" {
		return s.Key
	}
	if s.SessionID != "" {
		return s.SessionID
	}
	return "unknown"
}

// CreatedTime converts the epoch-ms creation stamp; zero time when the
// gateway omitted it.
func (s Session) CreatedTime() time.Time {
	if s.CreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.CreatedAt)
}

// SessionIndex is a lookup over one sessions_list snapshot, keyed by
// both primary id and label. Built once per poll batch so a batch of N
// workflow records costs one gateway call, not N.
type SessionIndex map[string]Session

// NewSessionIndex indexes sessions by id and, when present, label.
func NewSessionIndex(sessions []Session) SessionIndex {
	index := make(SessionIndex, len(sessions)*2)
	for _, s := range sessions {
		if id := s.ID(); id != "unknown" {
			index[id] = s
		}
		if s.Label != "" {
			index[s.Label] = s
		}
	}
	return index
}

// Lookup tries each key in order and reports the first hit.
func (idx SessionIndex) Lookup(keys ...string) (Session, bool) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if s, ok := idx[key]; ok {
			return s, true
		}
	}
	return Session{}, false
}

// invokeResponse is the gateway's tool-invocation envelope.
type invokeResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *invokeError    `json:"error,omitempty"`
}

type invokeError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// sessionListResult covers both observed nestings of sessions_list.
type sessionListResult struct {
	Sessions []Session `json:"sessions"`
	Details  struct {
		Sessions []Session `json:"sessions"`
	} `json:"details"`
}

func (r sessionListResult) sessions() []Session {
	if len(r.Details.Sessions) > 0 {
		return r.Details.Sessions
	}
	return r.Sessions
}

// historyResult covers both observed nestings of sessions_history.
type historyResult struct {
	Messages []historyMessage `json:"messages"`
	History  []historyMessage `json:"history"`
}

func (r historyResult) messages() []historyMessage {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return r.History
}

type historyMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text flattens the message content, which the gateway serves either as
// a plain string or as a list of typed parts. Text parts are joined
// with newlines; anything else yields "".
func (m historyMessage) text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}

	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// lastAssistantText scans from the end for the newest assistant message
// with extractable text.
func lastAssistantText(messages []historyMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if text := messages[i].text(); text != "" {
			return text
		}
	}
	return ""
}
