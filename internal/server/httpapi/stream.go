package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cortex/internal/agentview"
)

// sessionsEvent is the payload of a "sessions" SSE event.
type sessionsEvent struct {
	Type      string                   `json:"type"`
	Sessions  []agentview.AgentSession `json:"sessions"`
	Nodes     []agentview.NodeState    `json:"nodes"`
	Summary   agentview.Summary        `json:"summary"`
	Source    string                   `json:"source"`
	Timestamp int64                    `json:"timestamp"`
}

// handleStream is the per-client SSE loop. Each connection polls the
// gateway on its own ticker and only pushes a sessions event when the
// set's signature changes. Heartbeat comments defeat idle-connection
// timeouts in intermediary proxies, and a hard lifetime cap tells the
// client to reconnect rather than trusting proxies with unbounded
// streams.
func (s *Server) handleStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		fail(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()
	s.logger.Debug("stream client connected from %s", c.ClientIP())

	emit := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("stream payload marshal failed: %v", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !emit("connected", gin.H{"timestamp": s.now().UnixMilli()}) {
		return
	}

	ctx := c.Request.Context()

	// Initial snapshot before the first tick so the client never waits
	// a full interval to paint. The sentinel differs from every real
	// signature (including the empty set's) so the first push always
	// goes out.
	lastSignature := s.pushSessions(ctx, emit, "\x00initial")

	poll := time.NewTicker(s.opts.StreamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(s.opts.MaxStreamLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream client disconnected")
			return

		case <-lifetime.C:
			emit("reconnect", gin.H{"reason": "max connection lifetime reached"})
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ":heartbeat %d\n\n", s.now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()

		case <-poll.C:
			lastSignature = s.pushSessions(ctx, emit, lastSignature)
		}
	}
}

// pushSessions fetches, diffs against the previous signature, and
// emits a sessions event only on change. Returns the signature now
// represented on the wire.
func (s *Server) pushSessions(ctx context.Context, emit func(string, any) bool, lastSignature string) string {
	sessions, source := s.fetchView(ctx)
	signature := agentview.Signature(sessions)
	if signature == lastSignature {
		return lastSignature
	}

	event := sessionsEvent{
		Type:      "update",
		Sessions:  sessions,
		Nodes:     agentview.MapSessionsToNodes(sessions),
		Summary:   agentview.Summarize(sessions),
		Source:    source,
		Timestamp: s.now().UnixMilli(),
	}
	if !emit("sessions", event) {
		return lastSignature
	}
	s.metrics.StreamEvents.Inc()
	return signature
}
