// Package workflow owns the content-pipeline records and the
// completion-detection machinery that drives them: a bundle moves
// through research, strategy, and content-creation phases, each backed
// by a remote gateway session whose completion has to be inferred from
// activity staleness. Multiple pollers race against the same records,
// so every terminal transition goes through a conditional store write
// that only one caller can win.
package workflow

import (
	"encoding/json"
	"time"
)

// Status is the persisted lifecycle state of a bundle or workflow.
type Status string

const (
	StatusResearching              Status = "researching"
	StatusAwaitingStrategyApproval Status = "awaiting_strategy_approval"
	StatusCreating                 Status = "creating"
	StatusRunning                  Status = "running"
	StatusCompleted                Status = "completed"
	StatusFailed                   Status = "failed"
	StatusCancelled                Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase identifies which tracked gateway session a detector check is
// about.
type Phase string

const (
	PhaseResearch Phase = "research"
	PhaseStrategy Phase = "strategy"
	PhaseWorkflow Phase = "workflow"
)

// SessionLabel returns the conventional gateway label for a phase
// session: "research-{bundleId}", "strategy-{bundleId}",
// "workflow-{workflowId}".
func (p Phase) SessionLabel(id string) string {
	return string(p) + "-" + id
}

// Record is one content-creation workflow run.
type Record struct {
	ID               string
	BundleID         string
	Title            string
	Status           Status
	AgentSessionID   string
	StartedAt        time.Time
	ExpectedDuration time.Duration
	Progress         int // 0-100, monotonically non-decreasing while running
	Output           *ParsedContent
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Bundle is the aggregate record for one end-to-end content request.
// Research runs under StatusResearching; completing it moves the
// bundle to StatusAwaitingStrategyApproval, under which the strategy
// session runs (StrategyCompletedAt zero while in flight). Approval
// moves it to StatusCreating for the content workflows.
type Bundle struct {
	ID                  string
	Topic               string
	Status              Status
	ResearchSessionID   string
	StrategySessionID   string
	ResearchStartedAt   time.Time
	StrategyStartedAt   time.Time
	ResearchCompletedAt time.Time
	StrategyCompletedAt time.Time
	Findings            *ResearchFindings
	Strategy            json.RawMessage
	QualityScore        int
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ResearchInFlight reports whether the research phase still awaits its
// session's output.
func (b Bundle) ResearchInFlight() bool {
	return b.Status == StatusResearching && b.ResearchCompletedAt.IsZero()
}

// StrategyInFlight reports whether a strategy session has been started
// but not yet produced a strategy document.
func (b Bundle) StrategyInFlight() bool {
	return b.Status == StatusAwaitingStrategyApproval &&
		b.StrategySessionID != "" && b.StrategyCompletedAt.IsZero()
}

// Asset is one produced content artifact (a post, a script, a
// document) attached to a bundle.
type Asset struct {
	ID         string
	BundleID   string
	WorkflowID string
	Type       string
	Title      string
	Content    string
	CreatedAt  time.Time
}

// ResearchFindings is the structured output of a research session. The
// session is prompted to answer with this JSON shape; ParseResearchFindings
// extracts and validates it from the raw transcript.
type ResearchFindings struct {
	TrendingAngles     []string          `json:"trending_angles"`
	KeyStatistics      map[string]string `json:"key_statistics"`
	ViralHooks         []string          `json:"viral_hooks"`
	CompetitorInsights string            `json:"competitor_insights"`
	PlatformStrategy   map[string]string `json:"platform_strategy"`
	BrandVoice         string            `json:"brand_voice"`
	RecommendedCTA     string            `json:"recommended_cta,omitempty"`
	ResearchSources    []string          `json:"research_sources,omitempty"`
	ConfidenceScore    int               `json:"confidence_score,omitempty"`
	ResearchTimestamp  string            `json:"research_timestamp,omitempty"`
}

// ContentSection is one piece of a parsed content transcript.
type ContentSection struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// ParsedContent is the normalized output of a content session
// transcript. Source records which parsing strategy produced it:
// "tagged" (explicit output tags), "sections" (markdown heading
// split), "raw" (whole transcript as one document), or "placeholder"
// (session finished but no transcript survived).
type ParsedContent struct {
	Source   string           `json:"source"`
	Sections []ContentSection `json:"sections"`
}

// HasSection reports whether any parsed section carries the given type.
func (p ParsedContent) HasSection(sectionType string) bool {
	for _, s := range p.Sections {
		if s.Type == sectionType {
			return true
		}
	}
	return false
}
