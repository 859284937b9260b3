package entities

import "time"

// RunStatus is the lifecycle state of a PredictionRun.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid reports whether s is one of the four known states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next.
// pending may skip processing; terminal states are final.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusProcessing || next.IsTerminal()
	case RunStatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// PredictionRun is one classification job for one plate image.
// Several runs may share a SampleID; the sample's summary merges them.
type PredictionRun struct {
	ID uint `gorm:"primaryKey" json:"run_id"`

	SampleID      string  `gorm:"type:varchar(128);not null;index:idx_runs_sample_completed,priority:1" json:"sample_id"`
	SubmissionID  *string `gorm:"type:varchar(128)" json:"submission_id,omitempty"`
	Description   *string `gorm:"type:text" json:"description,omitempty"`
	CorrelationID string  `gorm:"type:varchar(64);not null;index" json:"correlation_id"`

	Status       RunStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorMessage *string   `gorm:"type:text" json:"error,omitempty"`

	ImagePath           string  `gorm:"type:varchar(500);not null" json:"image_path"`
	AnnotatedImagePath  *string `gorm:"type:varchar(500)" json:"annotated_image_path,omitempty"`
	ModelVersion        string  `gorm:"type:varchar(64)" json:"model_version,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	ProcessingTimeMs    *int64  `json:"processing_time_ms,omitempty"`

	SubmittedAt time.Time  `gorm:"not null;index" json:"submitted_at"`
	CompletedAt *time.Time `gorm:"index:idx_runs_sample_completed,priority:2" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Wells  []WellPrediction `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"wells,omitempty"`
	Result *InferenceResult `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"result,omitempty"`
}

// TableName returns the table name for GORM.
func (PredictionRun) TableName() string {
	return "prediction_runs"
}

// Contributes reports whether the run takes part in its sample's summary.
func (r *PredictionRun) Contributes() bool {
	return r.Status == RunStatusCompleted && r.Result != nil
}

// InferenceResult is the distribution of one run. Total always equals
// Distribution.Total(); the aggregation engine repairs it on every recompute.
type InferenceResult struct {
	ID           uint         `gorm:"primaryKey" json:"-"`
	RunID        uint         `gorm:"not null;uniqueIndex" json:"-"`
	Distribution Distribution `gorm:"type:text;not null;serializer:json" json:"distribution"`
	Total        int          `gorm:"not null" json:"total"`
	CreatedAt    time.Time    `json:"-"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (InferenceResult) TableName() string {
	return "inference_results"
}
