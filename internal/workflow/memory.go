package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node runs.
// Conditional transitions are serialized by the mutex, so it gives the
// same at-most-once guarantee as the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	bundles   map[string]Bundle
	workflows map[string]Record
	assets    map[string][]Asset // keyed by bundle id, insertion order

	// Now is injectable for deterministic tests.
	Now func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles:   make(map[string]Bundle),
		workflows: make(map[string]Record),
		assets:    make(map[string][]Asset),
		Now:       time.Now,
	}
}

func (s *MemoryStore) CreateBundle(_ context.Context, b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = StatusResearching
	}
	s.bundles[b.ID] = b
	return nil
}

func (s *MemoryStore) GetBundle(_ context.Context, id string) (Bundle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	return b, ok, nil
}

func (s *MemoryStore) BundleByResearchSession(_ context.Context, sessionID string) (Bundle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles {
		if b.ResearchSessionID == sessionID {
			return b, true, nil
		}
	}
	return Bundle{}, false, nil
}

func (s *MemoryStore) BundleByStrategySession(_ context.Context, sessionID string) (Bundle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles {
		if b.StrategySessionID == sessionID {
			return b, true, nil
		}
	}
	return Bundle{}, false, nil
}

func (s *MemoryStore) ListActiveBundles(_ context.Context) ([]Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []Bundle
	for _, b := range s.bundles {
		if !b.Status.Terminal() {
			active = append(active, b)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

// mutateBundle applies fn under the write lock when the bundle exists
// and fn agrees the precondition holds.
func (s *MemoryStore) mutateBundle(id string, fn func(*Bundle) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return false, ErrNotFound
	}
	if !fn(&b) {
		return false, nil
	}
	b.UpdatedAt = s.Now()
	s.bundles[id] = b
	return true, nil
}

func (s *MemoryStore) CompleteResearch(_ context.Context, bundleID string, findings ResearchFindings) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if !b.ResearchInFlight() {
			return false
		}
		b.Status = StatusAwaitingStrategyApproval
		b.ResearchCompletedAt = s.Now()
		f := findings
		b.Findings = &f
		return true
	})
}

func (s *MemoryStore) FailResearch(_ context.Context, bundleID, reason string) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if !b.ResearchInFlight() {
			return false
		}
		b.Status = StatusFailed
		b.Error = reason
		return true
	})
}

func (s *MemoryStore) UpdateFindings(_ context.Context, bundleID string, findings ResearchFindings) error {
	_, err := s.mutateBundle(bundleID, func(b *Bundle) bool {
		f := findings
		b.Findings = &f
		return true
	})
	return err
}

func (s *MemoryStore) RestartResearch(_ context.Context, bundleID, sessionID string) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		b.Status = StatusResearching
		b.ResearchSessionID = sessionID
		b.ResearchStartedAt = s.Now()
		b.ResearchCompletedAt = time.Time{}
		b.StrategySessionID = ""
		b.StrategyStartedAt = time.Time{}
		b.StrategyCompletedAt = time.Time{}
		b.Findings = nil
		b.Strategy = nil
		b.Error = ""
		return true
	})
}

func (s *MemoryStore) StartStrategy(_ context.Context, bundleID, sessionID string) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if b.Status != StatusAwaitingStrategyApproval {
			return false
		}
		b.StrategySessionID = sessionID
		b.StrategyStartedAt = s.Now()
		b.StrategyCompletedAt = time.Time{}
		b.Strategy = nil
		return true
	})
}

func (s *MemoryStore) CompleteStrategy(_ context.Context, bundleID string, strategy json.RawMessage) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if !b.StrategyInFlight() {
			return false
		}
		b.Strategy = append(json.RawMessage(nil), strategy...)
		b.StrategyCompletedAt = s.Now()
		return true
	})
}

func (s *MemoryStore) FailStrategy(_ context.Context, bundleID, reason string) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if !b.StrategyInFlight() {
			return false
		}
		b.Status = StatusFailed
		b.Error = reason
		return true
	})
}

func (s *MemoryStore) UpdateStrategy(_ context.Context, bundleID string, strategy json.RawMessage) error {
	_, err := s.mutateBundle(bundleID, func(b *Bundle) bool {
		b.Strategy = append(json.RawMessage(nil), strategy...)
		return true
	})
	return err
}

func (s *MemoryStore) RejectStrategy(_ context.Context, bundleID string) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if b.Status != StatusAwaitingStrategyApproval {
			return false
		}
		b.Strategy = nil
		b.StrategySessionID = ""
		b.StrategyStartedAt = time.Time{}
		b.StrategyCompletedAt = time.Time{}
		return true
	})
}

func (s *MemoryStore) TransitionBundle(_ context.Context, bundleID string, from, to Status) (bool, error) {
	return s.mutateBundle(bundleID, func(b *Bundle) bool {
		if b.Status != from {
			return false
		}
		b.Status = to
		return true
	})
}

func (s *MemoryStore) SetBundleQuality(_ context.Context, bundleID string, score int) error {
	_, err := s.mutateBundle(bundleID, func(b *Bundle) bool {
		b.QualityScore = score
		return true
	})
	return err
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	s.workflows[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[id]
	return rec, ok, nil
}

func (s *MemoryStore) ListRunningWorkflows(_ context.Context, ids []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var running []Record
	for _, rec := range s.workflows {
		if rec.Status != StatusRunning || rec.AgentSessionID == "" {
			continue
		}
		if len(wanted) > 0 && !wanted[rec.ID] {
			continue
		}
		running = append(running, rec)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].CreatedAt.Before(running[j].CreatedAt) })
	return running, nil
}

func (s *MemoryStore) mutateWorkflow(id string, fn func(*Record) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workflows[id]
	if !ok {
		return false, ErrNotFound
	}
	if !fn(&rec) {
		return false, nil
	}
	rec.UpdatedAt = s.Now()
	s.workflows[id] = rec
	return true, nil
}

func (s *MemoryStore) CompleteWorkflow(_ context.Context, id string, output ParsedContent) (bool, error) {
	return s.mutateWorkflow(id, func(rec *Record) bool {
		if rec.Status != StatusRunning {
			return false
		}
		rec.Status = StatusCompleted
		rec.Progress = 100
		out := output
		rec.Output = &out
		return true
	})
}

func (s *MemoryStore) FailWorkflow(_ context.Context, id, reason string) (bool, error) {
	return s.mutateWorkflow(id, func(rec *Record) bool {
		if rec.Status != StatusRunning {
			return false
		}
		rec.Status = StatusFailed
		rec.Error = reason
		return true
	})
}

func (s *MemoryStore) AdvanceWorkflowProgress(_ context.Context, id string, progress int) (bool, error) {
	return s.mutateWorkflow(id, func(rec *Record) bool {
		if rec.Status != StatusRunning || progress <= rec.Progress {
			return false
		}
		rec.Progress = progress
		return true
	})
}

func (s *MemoryStore) InsertAssets(_ context.Context, assets []Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, a := range assets {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		s.assets[a.BundleID] = append(s.assets[a.BundleID], a)
	}
	return nil
}

func (s *MemoryStore) ListAssets(_ context.Context, bundleID string) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Asset(nil), s.assets[bundleID]...), nil
}

func (s *MemoryStore) LatestAssetOfType(_ context.Context, bundleID, assetType string) (Asset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := s.assets[bundleID]
	for i := len(assets) - 1; i >= 0; i-- {
		if assets[i].Type == assetType {
			return assets[i], true, nil
		}
	}
	return Asset{}, false, nil
}

var _ Store = (*MemoryStore)(nil)
