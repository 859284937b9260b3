// Package dispatch runs inference jobs in the background: a bounded queue
// with per-job retries, exponential backoff and optional rate limiting.
package dispatch

import (
	"context"
	"time"

	"github.com/platelab/platevision/internal/errors"
)

// Errors returned by Enqueue.
var (
	ErrNilAction    = errors.NewStd("cannot enqueue nil action")
	ErrQueueStopped = errors.NewStd("job queue has been stopped")
	ErrQueueFull    = errors.NewStd("job queue is full")
)

// RetryConfig controls how often and how late a failed job is retried.
type RetryConfig struct {
	MaxRetries   int           // attempts after the first one
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on any delay
	Multiplier   float64       // growth per retry
}

// DefaultRetryConfig returns two retries starting at 1s, doubling, capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Action is one unit of background work.
type Action interface {
	Execute(ctx context.Context) error
	Description() string
}

// Finalizer is implemented by actions that record their own permanent failure.
// Failed runs once, after the last attempt or a non-retryable error.
type Finalizer interface {
	Failed(ctx context.Context, err error)
}

// JobStatus is the state of a job in the queue.
type JobStatus int

const (
	JobStatusPending JobStatus = iota
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
	JobStatusRetrying
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusRetrying:
		return "Retrying"
	default:
		return "Unknown"
	}
}

// Job is an action with its retry state.
type Job struct {
	ID          string
	Action      Action
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	NextRetryAt time.Time
	Status      JobStatus
	LastError   error
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	RejectedJobs   int // refused because the queue was full
	RetryAttempts  int
	PendingJobs    int // queued or waiting for a retry
	RunningJobs    int
	MaxQueueSize   int
}

// Recorder receives queue metrics.
type Recorder interface {
	SetQueueDepth(depth int)
	RecordJobOutcome(outcome string)
}

// Job outcomes reported to Recorder.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

type noopRecorder struct{}

func (noopRecorder) SetQueueDepth(int)       {}
func (noopRecorder) RecordJobOutcome(string) {}
