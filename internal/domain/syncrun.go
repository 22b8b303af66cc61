package domain

import (
	"context"
	"time"
)

// SyncRunStatus is the lifecycle state of a sync run
type SyncRunStatus string

const (
	SyncRunning   SyncRunStatus = "running"
	SyncSucceeded SyncRunStatus = "success"
	SyncFailed    SyncRunStatus = "failed"
)

// SyncCounts tallies the mutations one run performed
type SyncCounts struct {
	DeptsCreated   int `json:"depts_created"`
	DeptsUpdated   int `json:"depts_updated"`
	DeptsDeleted   int `json:"depts_deleted"`
	MembersCreated int `json:"members_created"`
	MembersUpdated int `json:"members_updated"`
	MembersDeleted int `json:"members_deleted"`
}

// SyncRun records one execution of the full directory reconciliation
// for an application. Mutated only by the owning run; immutable once
// terminal.
type SyncRun struct {
	ID         string
	AppKey     string
	Status     SyncRunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Counts     SyncCounts
	Error      string
}

// SyncRunRepository defines data access for sync runs
type SyncRunRepository interface {
	Create(ctx context.Context, run *SyncRun) error
	Finish(ctx context.Context, run *SyncRun) error
	GetByID(ctx context.Context, id string) (*SyncRun, error)
	ListByApp(ctx context.Context, appKey string, limit int) ([]*SyncRun, error)
}
