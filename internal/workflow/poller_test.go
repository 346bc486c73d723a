package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/gateway"
)

type recordingVideoTrigger struct {
	calls []Asset
	err   error
}

func (v *recordingVideoTrigger) Trigger(_ context.Context, asset Asset) error {
	v.calls = append(v.calls, asset)
	return v.err
}

func TestPollerAggregatesBatch(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	done := runningWorkflow(t, store, "done", now.Add(-2*time.Minute))
	aborted := runningWorkflow(t, store, "aborted", now.Add(-2*time.Minute))
	active := runningWorkflow(t, store, "active", now.Add(-2*time.Minute))
	fresh := runningWorkflow(t, store, "fresh", now.Add(-5*time.Second))

	gw := &fakeGateway{
		sessions: []gateway.Session{
			{Key: done.AgentSessionID, UpdatedAt: now.Add(-2 * time.Minute).UnixMilli()},
			{Key: aborted.AgentSessionID, UpdatedAt: now.UnixMilli(), AbortedLastRun: true},
			{Key: active.AgentSessionID, UpdatedAt: now.Add(-3 * time.Second).UnixMilli()},
		},
		history: map[string]string{
			done.AgentSessionID: "## Email\nsubject\n\n## LinkedIn\npost\n\n## Video Script\nSCENE 1",
		},
	}
	p := NewPoller(store, gw, nil, WithPollerClock(fixedClock(now)))

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, []string{done.ID}, result.Completed)
	assert.Equal(t, []string{aborted.ID}, result.Failed)
	assert.ElementsMatch(t, []string{active.ID, fresh.ID}, result.Running)

	// One sessions_list call for the whole batch.
	assert.Equal(t, int64(1), gw.listCalls.Load())

	// Completion side effects: assets written, quality scored.
	assets, err := store.ListAssets(context.Background(), done.BundleID)
	require.NoError(t, err)
	assert.Len(t, assets, 3)
	bundle, _, err := store.GetBundle(context.Background(), done.BundleID)
	require.NoError(t, err)
	assert.Equal(t, 85, bundle.QualityScore)
}

func TestPollerRestrictsToRequestedIDs(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	first := runningWorkflow(t, store, "first", now.Add(-2*time.Minute))
	runningWorkflow(t, store, "second", now.Add(-2*time.Minute))

	gw := &fakeGateway{}
	p := NewPoller(store, gw, nil, WithPollerClock(fixedClock(now)))

	result, err := p.Poll(context.Background(), []string{first.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestPollerEmptyBatchSkipsGateway(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPoller(NewMemoryStore(), gw, nil)

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, int64(0), gw.listCalls.Load())
}

func TestPollerBackfillsMissingBundle(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := Record{
		ID:             "legacy",
		Title:          "old workflow",
		Status:         StatusRunning,
		AgentSessionID: "sess-legacy",
		StartedAt:      now.Add(-2 * time.Minute),
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), rec))

	gw := &fakeGateway{history: map[string]string{"sess-legacy": "## Email\nsubject"}}
	p := NewPoller(store, gw, nil, WithPollerClock(fixedClock(now)))

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, result.Completed)

	// No bundle id on the record: one is backfilled under the workflow id.
	bundle, ok, err := store.GetBundle(context.Background(), "legacy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old workflow", bundle.Topic)
	assets, _ := store.ListAssets(context.Background(), "legacy")
	assert.Len(t, assets, 1)
}

func TestPollerVideoTriggerFiresAndSwallowsErrors(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := runningWorkflow(t, store, "vid", now.Add(-2*time.Minute))
	gw := &fakeGateway{history: map[string]string{
		rec.AgentSessionID: "## Video Script\nSCENE 1: opening hook",
	}}
	video := &recordingVideoTrigger{err: errors.New("render farm down")}
	p := NewPoller(store, gw, nil, WithPollerClock(fixedClock(now)), WithVideoTrigger(video))

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, result.Completed)

	// The trigger fired with the heygen asset and its error did not
	// affect workflow completion.
	require.Len(t, video.calls, 1)
	assert.Equal(t, "heygen", video.calls[0].Type)
	got, _, _ := store.GetWorkflow(context.Background(), rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestPollerNoVideoWithoutScriptSection(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	rec := runningWorkflow(t, store, "novid", now.Add(-2*time.Minute))
	gw := &fakeGateway{history: map[string]string{rec.AgentSessionID: "## Email\nsubject"}}
	video := &recordingVideoTrigger{}
	p := NewPoller(store, gw, nil, WithPollerClock(fixedClock(now)), WithVideoTrigger(video))

	_, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, video.calls)
}
