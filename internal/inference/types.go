// Package inference is the client side of the prediction job lifecycle:
// submitting a plate image (uploaded or previously staged), querying job
// status, and polling a job to a terminal state on an adaptive schedule.
package inference

import (
	"time"

	"github.com/platelab/platevision/internal/datastore/entities"
)

// JobID identifies a submitted job. It equals the server's run id.
type JobID uint

// JobStatus is the server-reported state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the job will not change state again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Multipart field names of POST /api/v1/predict and POST /api/v1/stage.
const (
	FieldSampleID      = "sample_no"
	FieldSubmissionID  = "submission_no"
	FieldDescription   = "description"
	FieldCorrelationID = "correlation_id"
	FieldFile          = "file"
	FieldImagePath     = "image_path"
)

// API paths relative to the server URL.
const (
	PathPredict = "/api/v1/predict"
	PathStage   = "/api/v1/stage"
	PathStatus  = "/api/v1/status/"
)

// Envelope wraps every JSON response of the prediction API.
type Envelope[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError is the error member of a failed Envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PredictResponse is the data of a 202 from POST /api/v1/predict.
type PredictResponse struct {
	RunID         JobID     `json:"run_id"`
	SampleID      string    `json:"sample_no"`
	SubmissionID  string    `json:"submission_no,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Status        JobStatus `json:"status"`
	QueuedAt      time.Time `json:"queued_at"`
	Message       string    `json:"message,omitempty"`
}

// StageResponse is the data of POST /api/v1/stage.
type StageResponse struct {
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusResponse is the data of GET /api/v1/status/:id.
type StatusResponse struct {
	RunID        JobID                     `json:"run_id"`
	SampleID     string                    `json:"sample_no,omitempty"`
	Status       JobStatus                 `json:"status"`
	Error        string                    `json:"error,omitempty"`
	Distribution *entities.Distribution    `json:"distribution,omitempty"`
	Wells        []entities.WellPrediction `json:"wells,omitempty"`
	SubmittedAt  time.Time                 `json:"submitted_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// TerminalResult is what Poll returns for a completed job.
type TerminalResult struct {
	JobID        JobID
	Distribution entities.Distribution
	Wells        []entities.WellPrediction
	Polls        int
	Elapsed      time.Duration
}
