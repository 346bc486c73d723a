package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/gateway"
)

type fakeGateway struct {
	sessions  []gateway.Session
	history   map[string]string
	listCalls atomic.Int64
}

func (f *fakeGateway) ListSessions(_ context.Context, _, _ int) []gateway.Session {
	f.listCalls.Add(1)
	return f.sessions
}

func (f *fakeGateway) FetchHistory(_ context.Context, sessionKey string) string {
	return f.history[sessionKey]
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func runningWorkflow(t *testing.T, store *MemoryStore, id string, startedAt time.Time) Record {
	t.Helper()
	rec := Record{
		ID:               id,
		BundleID:         "bundle-" + id,
		Title:            "content run",
		Status:           StatusRunning,
		AgentSessionID:   "sess-" + id,
		StartedAt:        startedAt,
		ExpectedDuration: 5 * time.Minute,
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), rec))
	require.NoError(t, store.CreateBundle(context.Background(), Bundle{
		ID:     rec.BundleID,
		Status: StatusCreating,
	}))
	return rec
}

func tracked(rec Record) Tracked {
	return Tracked{
		Phase:            PhaseWorkflow,
		ID:               rec.ID,
		SessionID:        rec.AgentSessionID,
		StartedAt:        rec.StartedAt,
		ExpectedDuration: rec.ExpectedDuration,
	}
}

func TestDetectorWarmUpSkipsRemoteChecks(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{}
	rec := runningWorkflow(t, store, "wf1", now.Add(-10*time.Second))
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), gateway.SessionIndex{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
}

func TestDetectorNotFoundWithinGraceIsPending(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{history: map[string]string{}}
	rec := runningWorkflow(t, store, "wf1", now.Add(-45*time.Second))
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), gateway.SessionIndex{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	got, _, err := store.GetWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestDetectorResearchHardTimeoutFails(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{history: map[string]string{}}
	require.NoError(t, store.CreateBundle(context.Background(), Bundle{
		ID:                "b1",
		Status:            StatusResearching,
		ResearchSessionID: "sess-r1",
		ResearchStartedAt: now.Add(-13 * time.Minute),
	}))
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), Tracked{
		Phase:     PhaseResearch,
		ID:        "b1",
		SessionID: "sess-r1",
		StartedAt: now.Add(-13 * time.Minute),
	}, gateway.SessionIndex{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	b, _, err := store.GetBundle(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Contains(t, b.Error, "session lost")
}

func TestDetectorMissingSessionUsesHistoryLastResort(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := runningWorkflow(t, store, "wf1", now.Add(-2*time.Minute))
	gw := &fakeGateway{history: map[string]string{
		rec.AgentSessionID: "## Email\nsubject line\n\n## LinkedIn\npost body",
	}}
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), gateway.SessionIndex{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Output)
	assert.True(t, res.Output.HasSection("email"))
}

func TestDetectorRunningSessionAdvancesProgress(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{}
	rec := runningWorkflow(t, store, "wf1", now.Add(-150*time.Second))
	index := gateway.NewSessionIndex([]gateway.Session{{
		Key:       rec.AgentSessionID,
		UpdatedAt: now.Add(-5 * time.Second).UnixMilli(),
	}})
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), index)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, res.Outcome)

	got, _, err := store.GetWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	// 150s of a 300s expected duration: 25 + 65*0.5 = 57.
	assert.Equal(t, 57, got.Progress)

	// A later check with a lower estimate must not decrease progress.
	_, err = store.AdvanceWorkflowProgress(context.Background(), rec.ID, 40)
	require.NoError(t, err)
	got, _, _ = store.GetWorkflow(context.Background(), rec.ID)
	assert.Equal(t, 57, got.Progress)
}

func TestEstimateProgressCapsAtNinety(t *testing.T) {
	assert.Equal(t, 90, EstimateProgress(time.Hour, 5*time.Minute))
	assert.Equal(t, 25, EstimateProgress(0, 5*time.Minute))
	// Zero expected duration falls back to the default instead of
	// dividing by zero.
	assert.Equal(t, 90, EstimateProgress(time.Hour, 0))
}

func TestDetectorAbortedSessionFailsWorkflow(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{}
	rec := runningWorkflow(t, store, "wf1", now.Add(-2*time.Minute))
	index := gateway.NewSessionIndex([]gateway.Session{{
		Key:            rec.AgentSessionID,
		UpdatedAt:      now.Add(-5 * time.Second).UnixMilli(),
		AbortedLastRun: true,
	}})
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), index)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestDetectorCompleteWithoutHistoryPlaceholder(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	gw := &fakeGateway{history: map[string]string{}}
	rec := runningWorkflow(t, store, "wf1", now.Add(-2*time.Minute))
	index := gateway.NewSessionIndex([]gateway.Session{{
		Key:       rec.AgentSessionID,
		UpdatedAt: now.Add(-2 * time.Minute).UnixMilli(), // stale = complete
	}})
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.Check(context.Background(), tracked(rec), index)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Output)
	assert.Equal(t, "placeholder", res.Output.Source)
}

func TestDetectorResearchCompletion(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBundle(context.Background(), Bundle{
		ID:                "b1",
		Status:            StatusResearching,
		ResearchSessionID: "sess-r1",
		ResearchStartedAt: now.Add(-3 * time.Minute),
	}))
	gw := &fakeGateway{history: map[string]string{"sess-r1": findingsJSON}}
	index := gateway.NewSessionIndex([]gateway.Session{{
		Key:       "sess-r1",
		Label:     "research-b1",
		UpdatedAt: now.Add(-2 * time.Minute).UnixMilli(),
	}})
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	track := Tracked{Phase: PhaseResearch, ID: "b1", SessionID: "sess-r1", StartedAt: now.Add(-3 * time.Minute)}
	res, err := d.Check(context.Background(), track, index)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	b, _, err := store.GetBundle(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingStrategyApproval, b.Status)
	require.NotNil(t, b.Findings)
	assert.NotEmpty(t, b.Findings.TrendingAngles)

	// Second invocation hits the idempotency guard.
	res, err = d.Check(context.Background(), track, index)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
}

func TestCompleteNowPrefersInlineOutput(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	// Transcript unavailable: the announced output must be enough.
	gw := &fakeGateway{history: map[string]string{}}
	rec := runningWorkflow(t, store, "wf1", now.Add(-time.Minute))
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	res, err := d.CompleteNow(context.Background(), tracked(rec), "## Email\nsubject line")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Output)
	assert.True(t, res.Output.HasSection("email"))

	got, _, err := store.GetWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestFailNowGuardedAndRecordsReason(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := runningWorkflow(t, store, "wf1", now.Add(-time.Minute))
	d := NewDetector(store, &fakeGateway{}, nil, WithClock(fixedClock(now)))

	res, err := d.FailNow(context.Background(), tracked(rec), "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	got, _, err := store.GetWorkflow(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "agent crashed", got.Error)

	// The record already left running: a replay is a no-op.
	res, err = d.FailNow(context.Background(), tracked(rec), "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
}

func TestDetectorConcurrentCompletionWinsOnce(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := runningWorkflow(t, store, "wf1", now.Add(-2*time.Minute))
	gw := &fakeGateway{history: map[string]string{
		rec.AgentSessionID: "## Email\nsubject",
	}}
	index := gateway.NewSessionIndex([]gateway.Session{{
		Key:       rec.AgentSessionID,
		UpdatedAt: now.Add(-2 * time.Minute).UnixMilli(),
	}})
	d := NewDetector(store, gw, nil, WithClock(fixedClock(now)))

	const pollers = 8
	outcomes := make([]Outcome, pollers)
	var wg sync.WaitGroup
	for i := range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Check(context.Background(), tracked(rec), index)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}()
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if o == OutcomeCompleted {
			completed++
		} else {
			assert.Equal(t, OutcomeAlreadyDone, o)
		}
	}
	assert.Equal(t, 1, completed, "exactly one poller may win the completion write")
}
