// Package entities defines the GORM entity models of the aggregation store.
//
// # Run Entities
//
//   - PredictionRun: one classification job for one plate image
//   - WellPrediction: per-well detection produced by the classifier (owned by a run)
//   - InferenceResult: the run's 0..12 distribution and its stored total (one per run)
//
// # Aggregates
//
//   - SampleSummary: rolling per-sample merge of every completed run's distribution
//
// Distribution is a fixed 13-slot value type shared by results and summaries.
package entities
