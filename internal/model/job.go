package model

import "time"

// JobType identifies what kind of fetch unit of work an IngestionJob
// records.
type JobType string

const (
	JobBackfill  JobType = "backfill"
	JobGapRepair JobType = "gap_repair"
	JobRealtime  JobType = "realtime"
)

// JobStatus is the lifecycle state of an IngestionJob. Append-and-update:
// a job is never rewritten once it reaches a terminal status.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// IngestionJob is an audit record for one fetch unit of work (a backfill
// run, a gap repair, or a realtime session).
type IngestionJob struct {
	ID             int64
	Exchange       string
	Symbol         string
	Timeframe      Timeframe
	JobType        JobType
	Status         JobStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	CandlesFetched int
	LastError      string
}
