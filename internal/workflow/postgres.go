package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cortex/internal/logging"
)

const (
	bundlesTable   = "content_bundles"
	workflowsTable = "content_workflows"
	assetsTable    = "content_assets"
)

// PostgresStore persists bundles, workflows, and assets in Postgres.
// Phase transitions use conditional UPDATEs whose WHERE clause pins the
// expected in-flight state, so at most one racing poller's write lands.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("WorkflowStore"),
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'researching',
    research_session_id TEXT NOT NULL DEFAULT '',
    strategy_session_id TEXT NOT NULL DEFAULT '',
    research_started_at TIMESTAMPTZ,
    strategy_started_at TIMESTAMPTZ,
    research_completed_at TIMESTAMPTZ,
    strategy_completed_at TIMESTAMPTZ,
    research_findings JSONB,
    strategy JSONB,
    quality_score INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, bundlesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);`, bundlesTable, bundlesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_research_session ON %s (research_session_id);`, bundlesTable, bundlesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    bundle_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    agent_session_id TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expected_duration_seconds INTEGER NOT NULL DEFAULT 0,
    progress INTEGER NOT NULL DEFAULT 0,
    output JSONB,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, workflowsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);`, workflowsTable, workflowsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    bundle_id TEXT NOT NULL,
    workflow_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, assetsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_bundle_type ON %s (bundle_id, type, created_at);`, assetsTable, assetsTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure workflow schema: %w", err)
		}
	}
	return nil
}

const bundleColumns = `id, topic, status, research_session_id, strategy_session_id,
       research_started_at, strategy_started_at, research_completed_at, strategy_completed_at,
       research_findings, strategy, quality_score, error, created_at, updated_at`

func scanBundle(row pgx.Row) (Bundle, error) {
	var (
		b                                    Bundle
		researchStarted, strategyStarted     *time.Time
		researchCompleted, strategyCompleted *time.Time
		findings, strategy                   []byte
	)
	err := row.Scan(&b.ID, &b.Topic, &b.Status, &b.ResearchSessionID, &b.StrategySessionID,
		&researchStarted, &strategyStarted, &researchCompleted, &strategyCompleted,
		&findings, &strategy, &b.QualityScore, &b.Error, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Bundle{}, err
	}
	if researchStarted != nil {
		b.ResearchStartedAt = *researchStarted
	}
	if strategyStarted != nil {
		b.StrategyStartedAt = *strategyStarted
	}
	if researchCompleted != nil {
		b.ResearchCompletedAt = *researchCompleted
	}
	if strategyCompleted != nil {
		b.StrategyCompletedAt = *strategyCompleted
	}
	if len(findings) > 0 {
		var f ResearchFindings
		if err := json.Unmarshal(findings, &f); err == nil {
			b.Findings = &f
		}
	}
	if len(strategy) > 0 {
		b.Strategy = json.RawMessage(strategy)
	}
	return b, nil
}

func (s *PostgresStore) CreateBundle(ctx context.Context, b Bundle) error {
	if b.ID == "" {
		return fmt.Errorf("bundle id required")
	}
	if b.Status == "" {
		b.Status = StatusResearching
	}
	var findings []byte
	if b.Findings != nil {
		data, err := json.Marshal(b.Findings)
		if err != nil {
			return fmt.Errorf("marshal findings: %w", err)
		}
		findings = data
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+bundlesTable+` (id, topic, status, research_session_id, strategy_session_id,
    research_started_at, strategy_started_at, research_findings, strategy, quality_score, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING
`, b.ID, b.Topic, b.Status, b.ResearchSessionID, b.StrategySessionID,
		nullableTime(b.ResearchStartedAt), nullableTime(b.StrategyStartedAt),
		findings, []byte(b.Strategy), b.QualityScore, b.Error)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBundle(ctx context.Context, id string) (Bundle, bool, error) {
	return s.bundleWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) BundleByResearchSession(ctx context.Context, sessionID string) (Bundle, bool, error) {
	return s.bundleWhere(ctx, `research_session_id = $1`, sessionID)
}

func (s *PostgresStore) BundleByStrategySession(ctx context.Context, sessionID string) (Bundle, bool, error) {
	return s.bundleWhere(ctx, `strategy_session_id = $1`, sessionID)
}

func (s *PostgresStore) bundleWhere(ctx context.Context, where string, arg any) (Bundle, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM `+bundlesTable+` WHERE `+where+` LIMIT 1`, arg)
	b, err := scanBundle(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Bundle{}, false, nil
		}
		return Bundle{}, false, fmt.Errorf("get bundle: %w", err)
	}
	return b, true, nil
}

func (s *PostgresStore) ListActiveBundles(ctx context.Context) ([]Bundle, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+bundleColumns+` FROM `+bundlesTable+`
WHERE status NOT IN ('completed', 'failed', 'cancelled')
ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("list active bundles: %w", err)
	}
	defer rows.Close()

	var bundles []Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

func (s *PostgresStore) CompleteResearch(ctx context.Context, bundleID string, findings ResearchFindings) (bool, error) {
	data, err := json.Marshal(findings)
	if err != nil {
		return false, fmt.Errorf("marshal findings: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET status = 'awaiting_strategy_approval', research_findings = $2,
    research_completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'researching' AND research_completed_at IS NULL
`, bundleID, data)
	if err != nil {
		return false, fmt.Errorf("complete research: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailResearch(ctx context.Context, bundleID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET status = 'failed', error = $2, updated_at = now()
WHERE id = $1 AND status = 'researching' AND research_completed_at IS NULL
`, bundleID, reason)
	if err != nil {
		return false, fmt.Errorf("fail research: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateFindings(ctx context.Context, bundleID string, findings ResearchFindings) error {
	data, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+` SET research_findings = $2, updated_at = now() WHERE id = $1
`, bundleID, data)
	if err != nil {
		return fmt.Errorf("update findings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RestartResearch(ctx context.Context, bundleID, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET status = 'researching', research_session_id = $2, research_started_at = now(),
    research_completed_at = NULL, strategy_session_id = '', strategy_started_at = NULL,
    strategy_completed_at = NULL, research_findings = NULL, strategy = NULL,
    error = '', updated_at = now()
WHERE id = $1
`, bundleID, sessionID)
	if err != nil {
		return false, fmt.Errorf("restart research: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func (s *PostgresStore) StartStrategy(ctx context.Context, bundleID, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET strategy_session_id = $2, strategy_started_at = now(),
    strategy_completed_at = NULL, strategy = NULL, updated_at = now()
WHERE id = $1 AND status = 'awaiting_strategy_approval'
`, bundleID, sessionID)
	if err != nil {
		return false, fmt.Errorf("start strategy: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteStrategy(ctx context.Context, bundleID string, strategy json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET strategy = $2, strategy_completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'awaiting_strategy_approval'
  AND strategy_session_id <> '' AND strategy_completed_at IS NULL
`, bundleID, []byte(strategy))
	if err != nil {
		return false, fmt.Errorf("complete strategy: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailStrategy(ctx context.Context, bundleID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET status = 'failed', error = $2, updated_at = now()
WHERE id = $1 AND status = 'awaiting_strategy_approval'
  AND strategy_session_id <> '' AND strategy_completed_at IS NULL
`, bundleID, reason)
	if err != nil {
		return false, fmt.Errorf("fail strategy: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateStrategy(ctx context.Context, bundleID string, strategy json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+` SET strategy = $2, updated_at = now() WHERE id = $1
`, bundleID, []byte(strategy))
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RejectStrategy(ctx context.Context, bundleID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+`
SET strategy = NULL, strategy_session_id = '', strategy_started_at = NULL,
    strategy_completed_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'awaiting_strategy_approval'
`, bundleID)
	if err != nil {
		return false, fmt.Errorf("reject strategy: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TransitionBundle(ctx context.Context, bundleID string, from, to Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+` SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
`, bundleID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition bundle: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetBundleQuality(ctx context.Context, bundleID string, score int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE `+bundlesTable+` SET quality_score = $2, updated_at = now() WHERE id = $1
`, bundleID, score)
	if err != nil {
		return fmt.Errorf("set bundle quality: %w", err)
	}
	return nil
}

const workflowColumns = `id, bundle_id, title, status, agent_session_id, started_at,
       expected_duration_seconds, progress, output, error, created_at, updated_at`

func scanWorkflow(row pgx.Row) (Record, error) {
	var (
		rec             Record
		expectedSeconds int
		output          []byte
	)
	err := row.Scan(&rec.ID, &rec.BundleID, &rec.Title, &rec.Status, &rec.AgentSessionID,
		&rec.StartedAt, &expectedSeconds, &rec.Progress, &output, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.ExpectedDuration = time.Duration(expectedSeconds) * time.Second
	if len(output) > 0 {
		var parsed ParsedContent
		if err := json.Unmarshal(output, &parsed); err == nil {
			rec.Output = &parsed
		}
	}
	return rec, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+workflowsTable+` (id, bundle_id, title, status, agent_session_id, started_at,
    expected_duration_seconds, progress, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.BundleID, rec.Title, rec.Status, rec.AgentSessionID, rec.StartedAt,
		int(rec.ExpectedDuration/time.Second), rec.Progress, rec.Error)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM `+workflowsTable+` WHERE id = $1`, id)
	rec, err := scanWorkflow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get workflow: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) ListRunningWorkflows(ctx context.Context, ids []string) ([]Record, error) {
	query := `SELECT ` + workflowColumns + ` FROM ` + workflowsTable + `
WHERE status = 'running' AND agent_session_id <> ''`
	args := []any{}
	if len(ids) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list running workflows: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CompleteWorkflow(ctx context.Context, id string, output ParsedContent) (bool, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+workflowsTable+`
SET status = 'completed', progress = 100, output = $2, updated_at = now()
WHERE id = $1 AND status = 'running'
`, id, data)
	if err != nil {
		return false, fmt.Errorf("complete workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailWorkflow(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+workflowsTable+`
SET status = 'failed', error = $2, updated_at = now()
WHERE id = $1 AND status = 'running'
`, id, reason)
	if err != nil {
		return false, fmt.Errorf("fail workflow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AdvanceWorkflowProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+workflowsTable+`
SET progress = $2, updated_at = now()
WHERE id = $1 AND status = 'running' AND progress < $2
`, id, progress)
	if err != nil {
		return false, fmt.Errorf("advance workflow progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertAssets(ctx context.Context, assets []Asset) error {
	for _, a := range assets {
		_, err := s.pool.Exec(ctx, `
INSERT INTO `+assetsTable+` (id, bundle_id, workflow_id, type, title, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
ON CONFLICT (id) DO NOTHING
`, a.ID, a.BundleID, a.WorkflowID, a.Type, a.Title, a.Content, nullableTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, bundleID string) ([]Asset, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, bundle_id, workflow_id, type, title, content, created_at
FROM `+assetsTable+` WHERE bundle_id = $1 ORDER BY created_at
`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.BundleID, &a.WorkflowID, &a.Type, &a.Title, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) LatestAssetOfType(ctx context.Context, bundleID, assetType string) (Asset, bool, error) {
	var a Asset
	row := s.pool.QueryRow(ctx, `
SELECT id, bundle_id, workflow_id, type, title, content, created_at
FROM `+assetsTable+`
WHERE bundle_id = $1 AND type = $2
ORDER BY created_at DESC LIMIT 1
`, bundleID, assetType)
	if err := row.Scan(&a.ID, &a.BundleID, &a.WorkflowID, &a.Type, &a.Title, &a.Content, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Asset{}, false, nil
		}
		return Asset{}, false, fmt.Errorf("latest asset: %w", err)
	}
	return a, true, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*PostgresStore)(nil)
