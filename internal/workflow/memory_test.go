package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBundle(ctx, Bundle{
		ID:                "b1",
		Topic:             "solar retrofits",
		Status:            StatusResearching,
		ResearchSessionID: "sess-r",
	}))

	// Strategy cannot start while research is in flight.
	won, err := store.StartStrategy(ctx, "b1", "sess-s")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.CompleteResearch(ctx, "b1", ResearchFindings{TrendingAngles: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, won)

	// Completion is single-shot.
	won, err = store.CompleteResearch(ctx, "b1", ResearchFindings{})
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.StartStrategy(ctx, "b1", "sess-s")
	require.NoError(t, err)
	assert.True(t, won)

	doc := json.RawMessage(`{"pillars":["education"]}`)
	won, err = store.CompleteStrategy(ctx, "b1", doc)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.CompleteStrategy(ctx, "b1", doc)
	require.NoError(t, err)
	assert.False(t, won)

	// Approval moves the bundle into content creation.
	won, err = store.TransitionBundle(ctx, "b1", StatusAwaitingStrategyApproval, StatusCreating)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.TransitionBundle(ctx, "b1", StatusAwaitingStrategyApproval, StatusCreating)
	require.NoError(t, err)
	assert.False(t, won)

	b, ok, err := store.GetBundle(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCreating, b.Status)
	assert.JSONEq(t, string(doc), string(b.Strategy))
}

func TestRejectStrategyClearsDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBundle(ctx, Bundle{ID: "b1", Status: StatusResearching, ResearchSessionID: "r"}))
	_, err := store.CompleteResearch(ctx, "b1", ResearchFindings{TrendingAngles: []string{"a"}})
	require.NoError(t, err)
	_, err = store.StartStrategy(ctx, "b1", "sess-s")
	require.NoError(t, err)
	_, err = store.CompleteStrategy(ctx, "b1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	won, err := store.RejectStrategy(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, won)

	b, _, err := store.GetBundle(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, b.Strategy)
	assert.Empty(t, b.StrategySessionID)
	// Still awaiting approval: a new strategy session can be started.
	won, err = store.StartStrategy(ctx, "b1", "sess-s2")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRestartResearchResetsPhaseState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBundle(ctx, Bundle{ID: "b1", Status: StatusResearching, ResearchSessionID: "r1"}))
	_, err := store.FailResearch(ctx, "b1", "session lost")
	require.NoError(t, err)

	won, err := store.RestartResearch(ctx, "b1", "r2")
	require.NoError(t, err)
	assert.True(t, won)

	b, _, err := store.GetBundle(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, b.ResearchInFlight())
	assert.Equal(t, "r2", b.ResearchSessionID)
	assert.Empty(t, b.Error)
}

func TestLatestAssetOfType(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.InsertAssets(ctx, []Asset{
		{ID: "a1", BundleID: "b1", Type: "heygen", Content: "old script"},
		{ID: "a2", BundleID: "b1", Type: "email", Content: "subject"},
		{ID: "a3", BundleID: "b1", Type: "heygen", Content: "new script"},
	}))

	asset, ok, err := store.LatestAssetOfType(ctx, "b1", "heygen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a3", asset.ID)

	_, ok, err = store.LatestAssetOfType(ctx, "b1", "hooks")
	require.NoError(t, err)
	assert.False(t, ok)
}
