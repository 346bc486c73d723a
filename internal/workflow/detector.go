package workflow

import (
	"context"
	"fmt"
	"time"

	"cortex/internal/gateway"
	"cortex/internal/logging"
)

// Detection grace periods and hard timeouts. A freshly spawned session
// can take a while to surface in sessions_list, so detection never
// fails a phase before the not-found grace elapses; past the phase's
// hard timeout with no session and no history, the phase is lost.
const (
	warmUpPeriod     = 30 * time.Second
	notFoundGrace    = 60 * time.Second
	researchTimeout  = 12 * time.Minute
	strategyTimeout  = 7 * time.Minute
	workflowTimeout  = 5 * time.Minute // floor; actual is max(expected, floor)
	defaultExpected  = 5 * time.Minute
	maxEstimatedProg = 90
)

// ResearchExpectedDuration is the typical research run length, used to
// scale progress estimates. The hard timeout is deliberately longer.
const ResearchExpectedDuration = 8 * time.Minute

// Gateway is the slice of the session client the detector needs.
type Gateway interface {
	ListSessions(ctx context.Context, activeMinutes, messageLimit int) []gateway.Session
	FetchHistory(ctx context.Context, sessionKey string) string
}

// Tracked identifies one in-flight phase to check.
type Tracked struct {
	Phase            Phase
	ID               string // bundle id for research/strategy, workflow id otherwise
	SessionID        string
	StartedAt        time.Time
	ExpectedDuration time.Duration // workflows only
}

// Outcome is what one detector invocation did. Exactly one of the
// mutating outcomes (Completed, Failed) can occur per phase record
// across all racing invocations; everything else is a no-op.
type Outcome int

const (
	// OutcomePending means not enough evidence yet: retry next tick.
	OutcomePending Outcome = iota
	// OutcomeAlreadyDone means the record had already left its
	// in-flight state before we touched it.
	OutcomeAlreadyDone
	// OutcomeRunning means the session was found and is still active.
	OutcomeRunning
	// OutcomeCompleted means this invocation won the completion write.
	OutcomeCompleted
	// OutcomeFailed means this invocation won the failure write.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAlreadyDone:
		return "already-done"
	case OutcomeRunning:
		return "running"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CheckResult carries the outcome plus whatever the completion parsed.
type CheckResult struct {
	Outcome Outcome
	Output  *ParsedContent // set when a workflow completed
	Reason  string         // set when a phase failed
}

// Detector decides, per tracked phase, whether the remote session has
// finished and drives the corresponding store transition exactly once.
type Detector struct {
	store  Store
	gw     Gateway
	logger logging.Logger
	now    func() time.Time
}

// NewDetector constructs a detector. The clock is injectable for tests
// via WithClock.
func NewDetector(store Store, gw Gateway, logger logging.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:  store,
		gw:     gw,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithClock overrides the detector's time source.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// hardTimeout is the phase's maximum wait before a lost session is
// declared failed.
func (t Tracked) hardTimeout() time.Duration {
	switch t.Phase {
	case PhaseResearch:
		return researchTimeout
	case PhaseStrategy:
		return strategyTimeout
	default:
		if t.ExpectedDuration > workflowTimeout {
			return t.ExpectedDuration
		}
		return workflowTimeout
	}
}

// EstimateProgress maps elapsed time into a 25-90 progress band. The
// cap leaves headroom so completion is the only thing that reaches 100.
func EstimateProgress(elapsed, expected time.Duration) int {
	if expected <= 0 {
		expected = defaultExpected
	}
	progress := 25 + int(65*elapsed/expected)
	if progress > maxEstimatedProg {
		progress = maxEstimatedProg
	}
	return progress
}

// Check runs one detection pass for a tracked phase against a session
// index built from a single batch-wide sessions_list call.
//
// The idempotency guard always runs first: the persisted record is
// re-read and, if it already left its in-flight state, nothing else
// happens. The guard plus the store's conditional writes make Check
// safe to invoke concurrently from any number of pollers.
func (d *Detector) Check(ctx context.Context, t Tracked, index gateway.SessionIndex) (CheckResult, error) {
	inFlight, err := d.stillInFlight(ctx, t)
	if err != nil {
		return CheckResult{}, err
	}
	if !inFlight {
		return CheckResult{Outcome: OutcomeAlreadyDone}, nil
	}

	elapsed := d.now().Sub(t.StartedAt)
	if elapsed < warmUpPeriod {
		// New sessions may not be visible to sessions_list yet.
		return CheckResult{Outcome: OutcomePending}, nil
	}

	session, found := index.Lookup(t.SessionID, t.Phase.SessionLabel(t.ID))
	if !found {
		return d.checkMissing(ctx, t, elapsed)
	}

	switch gateway.Classify(session, d.now()) {
	case gateway.StatusRunning:
		if t.Phase == PhaseWorkflow {
			progress := EstimateProgress(elapsed, t.ExpectedDuration)
			if _, err := d.store.AdvanceWorkflowProgress(ctx, t.ID, progress); err != nil {
				d.logger.Warn("progress update failed for workflow %s: %v", t.ID, err)
			}
		}
		return CheckResult{Outcome: OutcomeRunning}, nil

	case gateway.StatusFailed:
		return d.fail(ctx, t, "agent session aborted")

	default: // complete
		return d.complete(ctx, t, elapsed, session.ID())
	}
}

// CompleteNow is the push-path entry point, used when the gateway (or
// a webhook on its behalf) announces a finished session instead of
// being polled. The announcement may carry the session output inline;
// when it doesn't, the transcript is fetched. It skips the warm-up and
// lookup steps but runs the same idempotency guard and guarded
// transitions, so a webhook racing a poller is still processed at most
// once.
func (d *Detector) CompleteNow(ctx context.Context, t Tracked, output string) (CheckResult, error) {
	inFlight, err := d.stillInFlight(ctx, t)
	if err != nil {
		return CheckResult{}, err
	}
	if !inFlight {
		return CheckResult{Outcome: OutcomeAlreadyDone}, nil
	}

	elapsed := d.now().Sub(t.StartedAt)
	history := output
	if history == "" {
		history = d.gw.FetchHistory(ctx, t.SessionID)
	}
	if history == "" {
		history = d.gw.FetchHistory(ctx, t.Phase.SessionLabel(t.ID))
	}
	if history != "" {
		return d.completeWithHistory(ctx, t, elapsed, history)
	}
	return CheckResult{Outcome: OutcomePending}, nil
}

// FailNow records a failure announced by the push path, routed through
// the same guard and conditional writes as detection.
func (d *Detector) FailNow(ctx context.Context, t Tracked, reason string) (CheckResult, error) {
	inFlight, err := d.stillInFlight(ctx, t)
	if err != nil {
		return CheckResult{}, err
	}
	if !inFlight {
		return CheckResult{Outcome: OutcomeAlreadyDone}, nil
	}
	if reason == "" {
		reason = "agent session reported failure"
	}
	return d.fail(ctx, t, reason)
}

// checkMissing handles a session absent from the list: within the
// grace window that just means "not visible yet"; past it, history is
// tried directly as a last resort before declaring the session lost.
func (d *Detector) checkMissing(ctx context.Context, t Tracked, elapsed time.Duration) (CheckResult, error) {
	if elapsed < notFoundGrace {
		return CheckResult{Outcome: OutcomePending}, nil
	}

	if history := d.gw.FetchHistory(ctx, t.SessionID); history != "" {
		return d.completeWithHistory(ctx, t, elapsed, history)
	}

	if elapsed > t.hardTimeout() {
		return d.fail(ctx, t, fmt.Sprintf("session lost: no trace after %s", elapsed.Round(time.Second)))
	}
	return CheckResult{Outcome: OutcomePending}, nil
}

// complete handles a session the classifier considers finished.
func (d *Detector) complete(ctx context.Context, t Tracked, elapsed time.Duration, sessionID string) (CheckResult, error) {
	history := d.gw.FetchHistory(ctx, sessionID)
	if history == "" && t.SessionID != "" && t.SessionID != sessionID {
		history = d.gw.FetchHistory(ctx, t.SessionID)
	}
	if history != "" {
		return d.completeWithHistory(ctx, t, elapsed, history)
	}

	if t.Phase == PhaseWorkflow {
		// The gateway says the session is done; never leave the record
		// stuck at running just because the transcript is gone.
		placeholder := ParsedContent{Source: "placeholder"}
		won, err := d.store.CompleteWorkflow(ctx, t.ID, placeholder)
		if err != nil {
			return CheckResult{}, err
		}
		if !won {
			return CheckResult{Outcome: OutcomeAlreadyDone}, nil
		}
		d.logger.Info("workflow %s completed without transcript", t.ID)
		return CheckResult{Outcome: OutcomeCompleted, Output: &placeholder}, nil
	}

	// Research/strategy need their structured output; without it, keep
	// retrying until the phase's hard timeout runs out.
	if elapsed > t.hardTimeout() {
		return d.fail(ctx, t, fmt.Sprintf("%s session finished without output after %s", t.Phase, elapsed.Round(time.Second)))
	}
	return CheckResult{Outcome: OutcomePending}, nil
}

func (d *Detector) completeWithHistory(ctx context.Context, t Tracked, elapsed time.Duration, history string) (CheckResult, error) {
	switch t.Phase {
	case PhaseResearch:
		findings, ok := ParseResearchFindings(history, d.now())
		if !ok {
			if elapsed > t.hardTimeout() {
				return d.fail(ctx, t, "research output unparseable")
			}
			return CheckResult{Outcome: OutcomePending}, nil
		}
		won, err := d.store.CompleteResearch(ctx, t.ID, findings)
		if err != nil {
			return CheckResult{}, err
		}
		if !won {
			return CheckResult{Outcome: OutcomeAlreadyDone}, nil
		}
		d.logger.Info("research completed for bundle %s (confidence %d)", t.ID, findings.ConfidenceScore)
		return CheckResult{Outcome: OutcomeCompleted}, nil

	case PhaseStrategy:
		strategy, ok := ParseStrategy(history)
		if !ok {
			if elapsed > t.hardTimeout() {
				return d.fail(ctx, t, "strategy output unparseable")
			}
			return CheckResult{Outcome: OutcomePending}, nil
		}
		won, err := d.store.CompleteStrategy(ctx, t.ID, strategy)
		if err != nil {
			return CheckResult{}, err
		}
		if !won {
			return CheckResult{Outcome: OutcomeAlreadyDone}, nil
		}
		d.logger.Info("strategy completed for bundle %s", t.ID)
		return CheckResult{Outcome: OutcomeCompleted}, nil

	default:
		parsed := ParseContent(history)
		won, err := d.store.CompleteWorkflow(ctx, t.ID, parsed)
		if err != nil {
			return CheckResult{}, err
		}
		if !won {
			return CheckResult{Outcome: OutcomeAlreadyDone}, nil
		}
		d.logger.Info("workflow %s completed with %d parsed sections", t.ID, len(parsed.Sections))
		return CheckResult{Outcome: OutcomeCompleted, Output: &parsed}, nil
	}
}

func (d *Detector) fail(ctx context.Context, t Tracked, reason string) (CheckResult, error) {
	var (
		won bool
		err error
	)
	switch t.Phase {
	case PhaseResearch:
		won, err = d.store.FailResearch(ctx, t.ID, reason)
	case PhaseStrategy:
		won, err = d.store.FailStrategy(ctx, t.ID, reason)
	default:
		won, err = d.store.FailWorkflow(ctx, t.ID, reason)
	}
	if err != nil {
		return CheckResult{}, err
	}
	if !won {
		return CheckResult{Outcome: OutcomeAlreadyDone}, nil
	}
	d.logger.Warn("%s %s failed: %s", t.Phase, t.ID, reason)
	return CheckResult{Outcome: OutcomeFailed, Reason: reason}, nil
}

// stillInFlight re-reads the persisted record for the idempotency
// guard.
func (d *Detector) stillInFlight(ctx context.Context, t Tracked) (bool, error) {
	switch t.Phase {
	case PhaseResearch:
		b, ok, err := d.store.GetBundle(ctx, t.ID)
		if err != nil {
			return false, err
		}
		return ok && b.ResearchInFlight(), nil
	case PhaseStrategy:
		b, ok, err := d.store.GetBundle(ctx, t.ID)
		if err != nil {
			return false, err
		}
		return ok && b.StrategyInFlight(), nil
	default:
		rec, ok, err := d.store.GetWorkflow(ctx, t.ID)
		if err != nil {
			return false, err
		}
		return ok && rec.Status == StatusRunning, nil
	}
}
