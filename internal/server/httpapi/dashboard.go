package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cortex/internal/gateway"
	"cortex/internal/workflow"
)

// handlePoll runs one workflow poll batch, optionally restricted to
// explicit ids.
func (s *Server) handlePoll(c *gin.Context) {
	var body struct {
		WorkflowIDs []string `json:"workflowIds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := s.poller.Poll(c.Request.Context(), body.WorkflowIDs)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.PollBatches.Inc()
	s.metrics.PollCompletions.Add(float64(len(result.Completed)))
	s.metrics.PollFailures.Add(float64(len(result.Failed)))
	ok(c, result)
}

// loadBundle resolves the bundleId query parameter.
func (s *Server) loadBundle(c *gin.Context) (workflow.Bundle, bool) {
	bundleID := c.Query("bundleId")
	if bundleID == "" {
		fail(c, http.StatusBadRequest, "bundleId parameter is required")
		return workflow.Bundle{}, false
	}
	bundle, found, err := s.store.GetBundle(c.Request.Context(), bundleID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return workflow.Bundle{}, false
	}
	if !found {
		fail(c, http.StatusNotFound, "bundle not found")
		return workflow.Bundle{}, false
	}
	return bundle, true
}

// checkPhase opportunistically runs one detection pass for an
// in-flight phase so a status read doubles as a poll tick. Detection
// problems never fail the read.
func (s *Server) checkPhase(c *gin.Context, t workflow.Tracked) {
	index := gateway.NewSessionIndex(s.gw.ListSessions(c.Request.Context(), s.opts.ListActiveMinutes, 1))
	if _, err := s.detector.Check(c.Request.Context(), t, index); err != nil {
		s.logger.Warn("%s check failed for %s: %v", t.Phase, t.ID, err)
	}
}

// handleResearchStatus reports research progress and findings,
// running a completion check first when the phase is still in flight.
func (s *Server) handleResearchStatus(c *gin.Context) {
	bundle, found := s.loadBundle(c)
	if !found {
		return
	}

	if bundle.ResearchInFlight() {
		s.checkPhase(c, workflow.Tracked{
			Phase:     workflow.PhaseResearch,
			ID:        bundle.ID,
			SessionID: bundle.ResearchSessionID,
			StartedAt: bundle.ResearchStartedAt,
		})
		bundle, _, _ = s.store.GetBundle(c.Request.Context(), bundle.ID)
	}

	ok(c, gin.H{
		"bundleId":            bundle.ID,
		"status":              bundle.Status,
		"progress":            s.researchProgress(bundle),
		"researchFindings":    bundle.Findings,
		"researchStartedAt":   bundle.ResearchStartedAt,
		"researchCompletedAt": bundle.ResearchCompletedAt,
		"error":               bundle.Error,
	})
}

// researchProgress derives a display percentage from the phase's
// timeline instead of persisting stage updates: elapsed time is the
// only signal the agent session exposes anyway.
func (s *Server) researchProgress(bundle workflow.Bundle) int {
	switch {
	case bundle.Status == workflow.StatusFailed:
		return 0
	case bundle.ResearchInFlight():
		return workflow.EstimateProgress(s.now().Sub(bundle.ResearchStartedAt), workflow.ResearchExpectedDuration)
	default:
		return 100
	}
}

// handleResearchAction applies update_findings and restart_research.
func (s *Server) handleResearchAction(c *gin.Context) {
	var body struct {
		BundleID  string                     `json:"bundleId"`
		Action    string                     `json:"action"`
		Findings  *workflow.ResearchFindings `json:"researchFindings"`
		SessionID string                     `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.BundleID == "" {
		fail(c, http.StatusBadRequest, "bundleId is required")
		return
	}

	ctx := c.Request.Context()
	switch body.Action {
	case "update_findings":
		if body.Findings == nil {
			fail(c, http.StatusBadRequest, "researchFindings are required for update_findings action")
			return
		}
		if err := s.store.UpdateFindings(ctx, body.BundleID, *body.Findings); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		ok(c, gin.H{"bundleId": body.BundleID, "action": body.Action})

	case "restart_research":
		sessionID := body.SessionID
		if sessionID == "" {
			sessionID = "research-" + uuid.NewString()
		}
		if _, err := s.store.RestartResearch(ctx, body.BundleID, sessionID); err != nil {
			status := http.StatusInternalServerError
			if err == workflow.ErrNotFound {
				status = http.StatusNotFound
			}
			fail(c, status, err.Error())
			return
		}
		ok(c, gin.H{"bundleId": body.BundleID, "action": body.Action, "sessionId": sessionID})

	default:
		fail(c, http.StatusBadRequest, "unknown action: "+body.Action)
	}
}

// handleStrategyStatus reports the strategy document and approval
// state, running a completion check first when a strategy session is
// in flight.
func (s *Server) handleStrategyStatus(c *gin.Context) {
	bundle, found := s.loadBundle(c)
	if !found {
		return
	}

	if bundle.StrategyInFlight() {
		s.checkPhase(c, workflow.Tracked{
			Phase:     workflow.PhaseStrategy,
			ID:        bundle.ID,
			SessionID: bundle.StrategySessionID,
			StartedAt: bundle.StrategyStartedAt,
		})
		bundle, _, _ = s.store.GetBundle(c.Request.Context(), bundle.ID)
	}

	hasStrategy := len(bundle.Strategy) > 0
	ok(c, gin.H{
		"bundleId":            bundle.ID,
		"status":              bundle.Status,
		"strategy":            bundle.Strategy,
		"researchFindings":    bundle.Findings,
		"strategyStartedAt":   bundle.StrategyStartedAt,
		"strategyCompletedAt": bundle.StrategyCompletedAt,
		"canApprove":          bundle.Status == workflow.StatusAwaitingStrategyApproval && hasStrategy,
		"requiresApproval":    bundle.Status == workflow.StatusAwaitingStrategyApproval,
	})
}

// handleStrategyAction applies approve, update, and reject.
func (s *Server) handleStrategyAction(c *gin.Context) {
	var body struct {
		BundleID string          `json:"bundleId"`
		Action   string          `json:"action"`
		Strategy json.RawMessage `json:"strategyDoc"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.BundleID == "" {
		fail(c, http.StatusBadRequest, "bundleId is required")
		return
	}

	ctx := c.Request.Context()
	switch body.Action {
	case "approve":
		won, err := s.store.TransitionBundle(ctx, body.BundleID,
			workflow.StatusAwaitingStrategyApproval, workflow.StatusCreating)
		if err != nil {
			status := http.StatusInternalServerError
			if err == workflow.ErrNotFound {
				status = http.StatusNotFound
			}
			fail(c, status, err.Error())
			return
		}
		if !won {
			fail(c, http.StatusConflict, "bundle is not awaiting strategy approval")
			return
		}
		ok(c, gin.H{"bundleId": body.BundleID, "action": body.Action})

	case "update":
		if len(body.Strategy) == 0 {
			fail(c, http.StatusBadRequest, "strategyDoc is required for update action")
			return
		}
		if err := s.store.UpdateStrategy(ctx, body.BundleID, body.Strategy); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		ok(c, gin.H{"bundleId": body.BundleID, "action": body.Action})

	case "reject":
		won, err := s.store.RejectStrategy(ctx, body.BundleID)
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		if !won {
			fail(c, http.StatusConflict, "bundle is not awaiting strategy approval")
			return
		}
		ok(c, gin.H{"bundleId": body.BundleID, "action": body.Action})

	default:
		fail(c, http.StatusBadRequest, "unknown action: "+body.Action)
	}
}

// handleCompletionWebhook is the push path: the gateway (or a relay on
// its behalf) announces a finished session by label. The label prefix
// routes the session to its phase; completions carry the session
// output inline or fall back to a transcript fetch, failures go
// through the guarded fail transitions. Either way the idempotency
// guard makes a webhook racing a poller harmless, and a completed
// workflow gets the same side effects (assets, quality, video trigger)
// a poll batch runs.
func (s *Server) handleCompletionWebhook(c *gin.Context) {
	var body struct {
		SessionID string `json:"sessionId"`
		Label     string `json:"label"`
		Status    string `json:"status"`
		Output    string `json:"output"`
		Error     string `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	label := body.Label
	if label == "" {
		label = body.SessionID
	}
	if label == "" {
		fail(c, http.StatusBadRequest, "sessionId or label is required")
		return
	}
	if body.Status != "" && body.Status != "completed" && body.Status != "failed" {
		fail(c, http.StatusBadRequest, "unknown status: "+body.Status)
		return
	}

	ctx := c.Request.Context()
	tracked, found, err := s.resolveTracked(c, label, body.SessionID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "no in-flight record matches session "+label)
		return
	}

	var result workflow.CheckResult
	if body.Status == "failed" {
		result, err = s.poller.FailNow(ctx, tracked, body.Error)
	} else {
		result, err = s.poller.CompleteNow(ctx, tracked, body.Output)
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, gin.H{
		"phase":   tracked.Phase,
		"id":      tracked.ID,
		"outcome": result.Outcome.String(),
	})
}

// resolveTracked maps a conventional session label (or a bare session
// id) to the phase record it belongs to.
func (s *Server) resolveTracked(c *gin.Context, label, sessionID string) (workflow.Tracked, bool, error) {
	ctx := c.Request.Context()

	switch {
	case strings.HasPrefix(label, "research-"):
		id := strings.TrimPrefix(label, "research-")
		bundle, found, err := s.store.GetBundle(ctx, id)
		if err != nil || !found {
			// The label suffix may be a session id rather than a
			// bundle id.
			bundle, found, err = s.store.BundleByResearchSession(ctx, sessionID)
		}
		if err != nil || !found {
			return workflow.Tracked{}, false, err
		}
		return workflow.Tracked{
			Phase:     workflow.PhaseResearch,
			ID:        bundle.ID,
			SessionID: bundle.ResearchSessionID,
			StartedAt: bundle.ResearchStartedAt,
		}, true, nil

	case strings.HasPrefix(label, "strategy-"):
		id := strings.TrimPrefix(label, "strategy-")
		bundle, found, err := s.store.GetBundle(ctx, id)
		if err != nil || !found {
			bundle, found, err = s.store.BundleByStrategySession(ctx, sessionID)
		}
		if err != nil || !found {
			return workflow.Tracked{}, false, err
		}
		return workflow.Tracked{
			Phase:     workflow.PhaseStrategy,
			ID:        bundle.ID,
			SessionID: bundle.StrategySessionID,
			StartedAt: bundle.StrategyStartedAt,
		}, true, nil

	default:
		id := strings.TrimPrefix(strings.TrimPrefix(label, "workflow-"), "content-")
		rec, found, err := s.store.GetWorkflow(ctx, id)
		if err != nil || !found {
			return workflow.Tracked{}, false, err
		}
		return workflow.Tracked{
			Phase:            workflow.PhaseWorkflow,
			ID:               rec.ID,
			SessionID:        rec.AgentSessionID,
			StartedAt:        rec.StartedAt,
			ExpectedDuration: rec.ExpectedDuration,
		}, true, nil
	}
}
