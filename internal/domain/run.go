package domain

import "time"

// RunStatus is the lifecycle state of a harvest run
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
)

// HarvestRun records one crawl pass
type HarvestRun struct {
	ID         string
	Query      string
	Status     RunStatus
	Processed  int
	Skipped    int
	Failed     int
	Units      int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Stats summarizes what storage holds
type Stats struct {
	Repositories int64
	Units        int64
	Functions    int64
	Classes      int64
	Runs         int64
}
