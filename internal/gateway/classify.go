package gateway

import "time"

// Status is the tri-state classification of a session used by
// completion detection.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// FreshnessWindow is how recently a session must have been updated to
// still count as running. The gateway has no explicit "done" event, so
// the absence of recent activity is the only completion signal. Every
// call site (stream route, poll batch, phase detection) must share this
// constant or detection becomes inconsistent between surfaces.
const FreshnessWindow = 30 * time.Second

// Classify maps a raw session record to running/complete/failed.
// An aborted last run is failed regardless of timestamps.
func Classify(s Session, now time.Time) Status {
	if s.AbortedLastRun {
		return StatusFailed
	}
	if s.UpdatedAt != 0 && now.Sub(time.UnixMilli(s.UpdatedAt)) < FreshnessWindow {
		return StatusRunning
	}
	return StatusComplete
}
