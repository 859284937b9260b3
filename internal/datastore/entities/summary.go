package entities

import "time"

// SampleSummary is the per-sample merge of all contributing runs. It exists
// only while at least one completed run of the sample remains.
type SampleSummary struct {
	SampleID     string       `gorm:"primaryKey;type:varchar(128)" json:"sample_id"`
	Distribution Distribution `gorm:"type:text;not null;serializer:json" json:"distribution"`
	Total        int          `gorm:"not null" json:"total"`
	TotalRuns    int          `gorm:"not null;index" json:"total_runs"`
	LastRunID    uint         `gorm:"not null" json:"last_run_id"`
	LastRunAt    time.Time    `gorm:"not null;index" json:"last_run_at"`
}

// TableName returns the table name for GORM.
func (SampleSummary) TableName() string {
	return "sample_summaries"
}

// All returns every entity managed by the store, in migration order.
func All() []any {
	return []any{
		&PredictionRun{},
		&WellPrediction{},
		&InferenceResult{},
		&SampleSummary{},
	}
}
