package workflow

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by mutations against a missing record.
var ErrNotFound = errors.New("workflow: record not found")

// Store persists bundles, workflow records, and assets.
//
// Every terminal phase transition is a conditional write: the update
// applies only while the record is still in the expected in-flight
// state, and the bool result reports whether this caller won the
// transition. Racing pollers both observe "running", both attempt the
// write, exactly one gets true. Callers must treat false as "already
// processed elsewhere" and skip their side effects.
type Store interface {
	// Bundles.
	CreateBundle(ctx context.Context, b Bundle) error
	GetBundle(ctx context.Context, id string) (Bundle, bool, error)
	BundleByResearchSession(ctx context.Context, sessionID string) (Bundle, bool, error)
	BundleByStrategySession(ctx context.Context, sessionID string) (Bundle, bool, error)
	ListActiveBundles(ctx context.Context) ([]Bundle, error)

	// Research phase. CompleteResearch moves the bundle to
	// awaiting_strategy_approval and stamps research_completed_at; it
	// only applies while research is still in flight.
	CompleteResearch(ctx context.Context, bundleID string, findings ResearchFindings) (bool, error)
	FailResearch(ctx context.Context, bundleID, reason string) (bool, error)
	UpdateFindings(ctx context.Context, bundleID string, findings ResearchFindings) error
	RestartResearch(ctx context.Context, bundleID, sessionID string) (bool, error)

	// Strategy phase. StartStrategy registers the session; the
	// completion stamps strategy_completed_at while leaving the bundle
	// awaiting approval.
	StartStrategy(ctx context.Context, bundleID, sessionID string) (bool, error)
	CompleteStrategy(ctx context.Context, bundleID string, strategy json.RawMessage) (bool, error)
	FailStrategy(ctx context.Context, bundleID, reason string) (bool, error)
	UpdateStrategy(ctx context.Context, bundleID string, strategy json.RawMessage) error
	RejectStrategy(ctx context.Context, bundleID string) (bool, error)

	// TransitionBundle is the generic conditional status move, used by
	// approval (awaiting_strategy_approval -> creating) and
	// cancellation.
	TransitionBundle(ctx context.Context, bundleID string, from, to Status) (bool, error)
	SetBundleQuality(ctx context.Context, bundleID string, score int) error

	// Workflow records.
	CreateWorkflow(ctx context.Context, rec Record) error
	GetWorkflow(ctx context.Context, id string) (Record, bool, error)
	ListRunningWorkflows(ctx context.Context, ids []string) ([]Record, error)
	CompleteWorkflow(ctx context.Context, id string, output ParsedContent) (bool, error)
	FailWorkflow(ctx context.Context, id, reason string) (bool, error)
	// AdvanceWorkflowProgress only ever raises progress, and only while
	// the record is still running.
	AdvanceWorkflowProgress(ctx context.Context, id string, progress int) (bool, error)

	// Assets.
	InsertAssets(ctx context.Context, assets []Asset) error
	ListAssets(ctx context.Context, bundleID string) ([]Asset, error)
	LatestAssetOfType(ctx context.Context, bundleID, assetType string) (Asset, bool, error)
}
