package aggregation

import (
	"context"
	"time"

	"github.com/platelab/platevision/internal/datastore/entities"
)

// RunEvent describes one committed status transition of a run.
type RunEvent struct {
	RunID    uint               `json:"run_id"`
	SampleID string             `json:"sample_id"`
	Status   entities.RunStatus `json:"status"`
	Error    string             `json:"error,omitempty"`
	Total    *int               `json:"total,omitempty"`
	At       time.Time          `json:"at"`
}

// Publisher receives run events after their transaction commits. Publish
// errors are logged and never fail the transition.
type Publisher interface {
	PublishRunEvent(ctx context.Context, event RunEvent) error
}

// Recorder receives engine measurements.
type Recorder interface {
	RecordRecompute(trigger string, duration time.Duration, err error)
	RecordConflict(trigger string)
	RecordRunStatus(status entities.RunStatus)
}

type noopRecorder struct{}

func (noopRecorder) RecordRecompute(string, time.Duration, error) {}
func (noopRecorder) RecordConflict(string)                        {}
func (noopRecorder) RecordRunStatus(entities.RunStatus)           {}
