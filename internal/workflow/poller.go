package workflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cortex/internal/gateway"
	"cortex/internal/logging"
)

const (
	// listActiveMinutes bounds the sessions_list window; anything a
	// poller cares about has been active more recently than this.
	listActiveMinutes = 120
	listMessageLimit  = 1

	// pollConcurrency bounds per-record fan-out within one batch.
	pollConcurrency = 4
)

// VideoTrigger starts downstream video generation for a produced
// script asset. Implementations are expected to be slow and flaky;
// the poller logs and swallows their errors.
type VideoTrigger interface {
	Trigger(ctx context.Context, asset Asset) error
}

// Result aggregates one poll batch.
type Result struct {
	Processed int      `json:"processed"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Running   []string `json:"running"`
}

// Poller is the batch entry point: it loads in-flight workflow
// records, fetches the gateway session list once for the whole batch,
// and drives the detector per record.
type Poller struct {
	store    Store
	gw       Gateway
	detector *Detector
	video    VideoTrigger
	logger   logging.Logger
	now      func() time.Time
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// WithVideoTrigger wires the video-generation integration.
func WithVideoTrigger(v VideoTrigger) PollerOption {
	return func(p *Poller) { p.video = v }
}

// WithPollerClock overrides the poller's time source.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		p.now = now
		p.detector = NewDetector(p.store, p.gw, p.logger, WithClock(now))
	}
}

// NewPoller constructs a poller with its own detector.
func NewPoller(store Store, gw Gateway, logger logging.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    store,
		gw:       gw,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		detector: NewDetector(store, gw, logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll runs one batch. When workflowIDs is non-empty, the batch is
// restricted to those records; otherwise all running records with a
// session id are checked. One sessions_list call serves the whole
// batch.
func (p *Poller) Poll(ctx context.Context, workflowIDs []string) (Result, error) {
	records, err := p.store.ListRunningWorkflows(ctx, workflowIDs)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Processed: len(records),
		Completed: []string{},
		Failed:    []string{},
		Running:   []string{},
	}
	if len(records) == 0 {
		return result, nil
	}

	index := gateway.NewSessionIndex(p.gw.ListSessions(ctx, listActiveMinutes, listMessageLimit))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			check, err := p.detector.Check(gctx, Tracked{
				Phase:            PhaseWorkflow,
				ID:               rec.ID,
				SessionID:        rec.AgentSessionID,
				StartedAt:        rec.StartedAt,
				ExpectedDuration: rec.ExpectedDuration,
			}, index)
			if err != nil {
				// A store error for one record must not sink the batch.
				p.logger.Error("poll check failed for workflow %s: %v", rec.ID, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			switch check.Outcome {
			case OutcomeCompleted:
				result.Completed = append(result.Completed, rec.ID)
			case OutcomeFailed:
				result.Failed = append(result.Failed, rec.ID)
			case OutcomeRunning, OutcomePending:
				result.Running = append(result.Running, rec.ID)
			}
			if check.Outcome == OutcomeCompleted && check.Output != nil {
				p.finalizeCompletion(gctx, rec, *check.Output)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// CompleteNow drives a webhook-announced completion through the shared
// detector and, when a workflow completed, runs the same
// post-completion side effects a poll batch would.
func (p *Poller) CompleteNow(ctx context.Context, t Tracked, output string) (CheckResult, error) {
	check, err := p.detector.CompleteNow(ctx, t, output)
	if err != nil {
		return check, err
	}
	if t.Phase == PhaseWorkflow && check.Outcome == OutcomeCompleted && check.Output != nil {
		rec, ok, err := p.store.GetWorkflow(ctx, t.ID)
		if err != nil || !ok {
			if err != nil {
				p.logger.Error("workflow lookup failed after completion of %s: %v", t.ID, err)
			}
			return check, nil
		}
		p.finalizeCompletion(ctx, rec, *check.Output)
	}
	return check, nil
}

// FailNow records a webhook-announced failure via the guarded fail
// transitions.
func (p *Poller) FailNow(ctx context.Context, t Tracked, reason string) (CheckResult, error) {
	return p.detector.FailNow(ctx, t, reason)
}

// finalizeCompletion runs the post-completion side effects for one
// workflow: bundle backfill, asset rows, quality score, and the
// optional video-generation trigger. All of it is best effort — the
// workflow is already completed and failures here only log.
func (p *Poller) finalizeCompletion(ctx context.Context, rec Record, output ParsedContent) {
	bundleID := rec.BundleID
	if bundleID == "" {
		bundleID = rec.ID
	}

	// Older workflows predate bundles; backfill one so assets have a
	// home.
	if _, ok, err := p.store.GetBundle(ctx, bundleID); err != nil {
		p.logger.Error("bundle lookup failed for workflow %s: %v", rec.ID, err)
		return
	} else if !ok {
		backfill := Bundle{
			ID:     bundleID,
			Topic:  rec.Title,
			Status: StatusCreating,
		}
		if err := p.store.CreateBundle(ctx, backfill); err != nil {
			p.logger.Error("bundle backfill failed for workflow %s: %v", rec.ID, err)
			return
		}
		p.logger.Info("backfilled bundle %s for workflow %s", bundleID, rec.ID)
	}

	assets := AssetRecords(bundleID, rec.ID, output, p.now())
	if len(assets) > 0 {
		if err := p.store.InsertAssets(ctx, assets); err != nil {
			p.logger.Error("asset insert failed for workflow %s: %v", rec.ID, err)
			return
		}
	}

	all, err := p.store.ListAssets(ctx, bundleID)
	if err != nil {
		p.logger.Error("asset count failed for bundle %s: %v", bundleID, err)
	} else if err := p.store.SetBundleQuality(ctx, bundleID, QualityScore(len(all))); err != nil {
		p.logger.Error("quality update failed for bundle %s: %v", bundleID, err)
	}

	p.maybeTriggerVideo(ctx, bundleID, output)
}

// maybeTriggerVideo fires downstream video generation when the parsed
// output carries a video script and the integration is configured.
// Keyed off the most recent heygen asset; a duplicate completion could
// in principle double-fire (no dedupe token in the asset row yet).
func (p *Poller) maybeTriggerVideo(ctx context.Context, bundleID string, output ParsedContent) {
	if p.video == nil || !output.HasSection("video_script") {
		return
	}
	asset, ok, err := p.store.LatestAssetOfType(ctx, bundleID, "heygen")
	if err != nil || !ok {
		if err != nil {
			p.logger.Error("heygen asset lookup failed for bundle %s: %v", bundleID, err)
		}
		return
	}
	if err := p.video.Trigger(ctx, asset); err != nil {
		// Video generation failing never fails the workflow.
		p.logger.Warn("video trigger failed for bundle %s: %v", bundleID, err)
	}
}
