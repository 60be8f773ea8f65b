// Package store defines build record persistence as consumed by the
// worker service. The engine itself persists nothing; callers own build
// history, and this interface is the seam they plug into. An in-memory
// implementation ships in-tree.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no record exists for the given build ID.
var ErrNotFound = errors.New("store: build not found")

// Status is the lifecycle state of a build record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Record is one build's persisted state.
type Record struct {
	ID     string `json:"id"`
	Dir    string `json:"dir"`
	Status Status `json:"status"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	StepsRun    int    `json:"steps_run"`
	StepsFailed int    `json:"steps_failed"`
	Error       string `json:"error,omitempty"`
}

// Store persists build records.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, rec Record) error
}
