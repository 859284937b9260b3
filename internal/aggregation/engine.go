// Package aggregation keeps per-sample summaries equal to the key-wise sum of
// the distributions of the sample's completed runs. Every trigger (completion,
// correction, deletion) recomputes the whole sample from source rows inside
// one transaction, so the result is idempotent and independent of order.
package aggregation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// Trigger names used in logs and metrics.
const (
	TriggerComplete  = "complete"
	TriggerCorrect   = "correct"
	TriggerDelete    = "delete"
	TriggerRecompute = "recompute"
)

const maxSampleIDLength = 128

// Engine applies run transitions and keeps sample summaries consistent.
type Engine struct {
	repo       *datastore.Repository
	log        logger.Logger
	publishers []Publisher
	recorder   Recorder
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher adds a run event publisher. Publishers are called in the
// order they were added.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an engine over repo.
func New(repo *datastore.Repository, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewDiscard()
	}
	e := &Engine{
		repo:     repo,
		log:      log.Module("aggregation"),
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRun is the input of CreateRun.
type NewRun struct {
	SampleID            string
	SubmissionID        string
	Description         string
	CorrelationID       string // generated when empty
	ImagePath           string
	ModelVersion        string
	ConfidenceThreshold float64
}

// Completion is the outcome of a successful inference job.
type Completion struct {
	Wells []entities.WellPrediction
	// Distribution, when nil, is derived from Wells with DeriveDistribution.
	Distribution       *entities.Distribution
	ProcessingTime     time.Duration
	AnnotatedImagePath string
	// CompletedAt defaults to the engine clock when zero.
	CompletedAt time.Time
}

// Outcome is the state after a trigger committed. Summary is nil when the
// sample no longer has contributing runs.
type Outcome struct {
	Run     *entities.PredictionRun
	Summary *entities.SampleSummary
}

// CreateRun stores a new pending run.
func (e *Engine) CreateRun(ctx context.Context, in NewRun) (*entities.PredictionRun, error) {
	switch {
	case in.SampleID == "":
		return nil, invalid("sample id is required")
	case len(in.SampleID) > maxSampleIDLength:
		return nil, invalid("sample id longer than %d characters", maxSampleIDLength)
	case in.ImagePath == "":
		return nil, invalid("image path is required")
	}

	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	now := e.now().UTC()
	run := &entities.PredictionRun{
		SampleID:            in.SampleID,
		SubmissionID:        optional(in.SubmissionID),
		Description:         optional(in.Description),
		CorrelationID:       in.CorrelationID,
		Status:              entities.RunStatusPending,
		ImagePath:           in.ImagePath,
		ModelVersion:        in.ModelVersion,
		ConfidenceThreshold: in.ConfidenceThreshold,
		SubmittedAt:         now,
		UpdatedAt:           now,
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.log.Info("run created",
		logger.Uint64("run_id", uint64(run.ID)),
		logger.String("sample_id", run.SampleID),
		logger.String("correlation_id", run.CorrelationID))
	e.recorder.RecordRunStatus(run.Status)
	e.publish(ctx, run)
	return run, nil
}

// GetRun loads a run with its wells and result.
func (e *Engine) GetRun(ctx context.Context, runID uint) (*entities.PredictionRun, error) {
	return e.repo.GetRun(ctx, runID)
}

// MarkProcessing moves a pending run to processing.
func (e *Engine) MarkProcessing(ctx context.Context, runID uint) error {
	var run *entities.PredictionRun
	err := e.repo.Transaction(ctx, func(tx *datastore.Repository) error {
		var err error
		run, err = tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := checkTransition(run, entities.RunStatusProcessing); err != nil {
			return err
		}
		run.Status = entities.RunStatusProcessing
		run.UpdatedAt = e.now().UTC()
		return tx.UpdateRun(ctx, runID, map[string]any{
			"status":     run.Status,
			"updated_at": run.UpdatedAt,
		})
	})
	if err != nil {
		return datastore.ClassifyWriteError(err, "mark_processing")
	}
	e.recorder.RecordRunStatus(run.Status)
	e.publish(ctx, run)
	return nil
}

// FailRun moves a non-terminal run to failed with message. Failed runs never
// contribute to the summary, so no recomputation is needed.
func (e *Engine) FailRun(ctx context.Context, runID uint, message string) error {
	var run *entities.PredictionRun
	err := e.repo.Transaction(ctx, func(tx *datastore.Repository) error {
		var err error
		run, err = tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := checkTransition(run, entities.RunStatusFailed); err != nil {
			return err
		}
		now := e.now().UTC()
		run.Status = entities.RunStatusFailed
		run.ErrorMessage = &message
		run.CompletedAt = &now
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, runID, map[string]any{
			"status":        run.Status,
			"error_message": message,
			"completed_at":  now,
			"updated_at":    now,
		})
	})
	if err != nil {
		return datastore.ClassifyWriteError(err, "fail_run")
	}

	e.log.Warn("run failed",
		logger.Uint64("run_id", uint64(runID)),
		logger.String("sample_id", run.SampleID),
		logger.String("error", message))
	e.recorder.RecordRunStatus(run.Status)
	e.publish(ctx, run)
	return nil
}

// CompleteRun marks the run completed with its wells and distribution and
// recomputes the run's sample.
func (e *Engine) CompleteRun(ctx context.Context, runID uint, c Completion) (*Outcome, error) {
	var dist entities.Distribution
	if c.Distribution != nil {
		dist = *c.Distribution
	} else {
		var skipped []string
		dist, skipped = DeriveDistribution(c.Wells, entities.WellPositive)
		if len(skipped) > 0 {
			e.log.Warn("ignored wells with unparseable labels",
				logger.Uint64("run_id", uint64(runID)),
				logger.Any("labels", skipped))
		}
	}
	for i := range dist {
		dist[i] = max(dist[i], 0)
	}
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = e.now()
	}
	completedAt = completedAt.UTC()

	return e.trigger(ctx, TriggerComplete, func(tx *datastore.Repository) (*entities.PredictionRun, error) {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := checkTransition(run, entities.RunStatusCompleted); err != nil {
			return nil, err
		}

		wells := make([]entities.WellPrediction, len(c.Wells))
		for i, w := range c.Wells {
			w.Confidence = entities.ClampConfidence(w.Confidence)
			wells[i] = w
		}
		if err := tx.ReplaceWells(ctx, runID, wells); err != nil {
			return nil, err
		}

		result := &entities.InferenceResult{RunID: runID, Distribution: dist, Total: dist.Total()}
		if err := tx.SaveResult(ctx, result); err != nil {
			return nil, err
		}

		now := e.now().UTC()
		fields := map[string]any{
			"status":       entities.RunStatusCompleted,
			"completed_at": completedAt,
			"updated_at":   now,
		}
		if c.ProcessingTime > 0 {
			fields["processing_time_ms"] = c.ProcessingTime.Milliseconds()
		}
		if c.AnnotatedImagePath != "" {
			fields["annotated_image_path"] = c.AnnotatedImagePath
		}
		if err := tx.UpdateRun(ctx, runID, fields); err != nil {
			return nil, err
		}

		run.Status = entities.RunStatusCompleted
		run.CompletedAt = &completedAt
		run.UpdatedAt = now
		run.Result = result
		run.Wells = wells
		return run, nil
	})
}

// CorrectRun overwrites the supplied keys of a completed run's distribution
// and recomputes the run's sample. Keys outside 0..12 are rejected, negative
// counts are stored as 0. The completion time is left unchanged.
func (e *Engine) CorrectRun(ctx context.Context, runID uint, counts map[int]int) (*Outcome, error) {
	if len(counts) == 0 {
		return nil, invalid("correction has no counts")
	}
	for key := range counts {
		if !entities.ValidKey(key) {
			return nil, invalid("distribution key %d outside 0..%d", key, entities.MaxDistributionKey)
		}
	}

	return e.trigger(ctx, TriggerCorrect, func(tx *datastore.Repository) (*entities.PredictionRun, error) {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != entities.RunStatusCompleted || run.Result == nil {
			return nil, invalid("run %d is %s; only completed runs can be corrected", runID, run.Status)
		}

		result := run.Result
		result.Distribution = result.Distribution.Patch(counts)
		result.Total = result.Distribution.Total()
		if err := tx.SaveResult(ctx, result); err != nil {
			return nil, err
		}
		now := e.now().UTC()
		if err := tx.UpdateRun(ctx, runID, map[string]any{"updated_at": now}); err != nil {
			return nil, err
		}
		run.UpdatedAt = now
		return run, nil
	})
}

// DeleteRun removes a run with its wells and result and recomputes the
// run's sample. The summary is deleted when no contributing run remains.
func (e *Engine) DeleteRun(ctx context.Context, runID uint) (*Outcome, error) {
	return e.trigger(ctx, TriggerDelete, func(tx *datastore.Repository) (*entities.PredictionRun, error) {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteRun(ctx, runID); err != nil {
			return nil, err
		}
		return run, nil
	})
}

// Recompute rebuilds the summary of sampleID from its runs. Running it any
// number of times yields the same summary.
func (e *Engine) Recompute(ctx context.Context, sampleID string) (*entities.SampleSummary, error) {
	if sampleID == "" {
		return nil, invalid("sample id is required")
	}
	start := time.Now()
	var summary *entities.SampleSummary
	err := e.repo.Transaction(ctx, func(tx *datastore.Repository) error {
		var err error
		summary, err = recompute(ctx, tx, sampleID)
		return err
	})
	err = datastore.ClassifyWriteError(err, TriggerRecompute)
	e.recorder.RecordRecompute(TriggerRecompute, time.Since(start), err)
	if err != nil {
		if errors.IsConflict(err) {
			e.recorder.RecordConflict(TriggerRecompute)
		}
		return nil, err
	}
	return summary, nil
}

// RecomputeAll rebuilds every sample known to the store and returns the
// number of samples processed.
func (e *Engine) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := e.repo.SampleIDs(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := e.Recompute(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// trigger runs mutate and the recomputation of the affected sample in one
// transaction, then records and publishes the outcome.
func (e *Engine) trigger(ctx context.Context, name string, mutate func(tx *datastore.Repository) (*entities.PredictionRun, error)) (*Outcome, error) {
	start := time.Now()
	var out Outcome
	err := e.repo.Transaction(ctx, func(tx *datastore.Repository) error {
		run, err := mutate(tx)
		if err != nil {
			return err
		}
		out.Run = run
		out.Summary, err = recompute(ctx, tx, run.SampleID)
		return err
	})
	err = datastore.ClassifyWriteError(err, name)
	e.recorder.RecordRecompute(name, time.Since(start), err)

	if err != nil {
		if errors.IsConflict(err) {
			e.recorder.RecordConflict(name)
			e.log.Error("aggregation transaction rolled back",
				logger.String("trigger", name),
				logger.Error(err))
		}
		return nil, err
	}

	fields := []logger.Field{
		logger.String("trigger", name),
		logger.Uint64("run_id", uint64(out.Run.ID)),
		logger.String("sample_id", out.Run.SampleID),
		logger.Duration("duration", time.Since(start)),
	}
	if out.Summary != nil {
		fields = append(fields,
			logger.Int("sample_total", out.Summary.Total),
			logger.Int("sample_runs", out.Summary.TotalRuns))
	}
	e.log.Info("sample recomputed", fields...)

	if name == TriggerComplete {
		e.recorder.RecordRunStatus(out.Run.Status)
		e.publish(ctx, out.Run)
	}
	return &out, nil
}

// recompute derives the summary of sampleID from the locked run set. Stored
// run totals are repaired from their keys on the way.
func recompute(ctx context.Context, tx *datastore.Repository, sampleID string) (*entities.SampleSummary, error) {
	runs, err := tx.LockSampleRuns(ctx, sampleID)
	if err != nil {
		return nil, err
	}

	var (
		merged entities.Distribution
		count  int
		last   *entities.PredictionRun
	)
	for i := range runs {
		run := &runs[i]
		if !run.Contributes() {
			continue
		}
		if total := run.Result.Distribution.Total(); run.Result.Total != total {
			if err := tx.UpdateResultTotal(ctx, run.Result.ID, total); err != nil {
				return nil, err
			}
			run.Result.Total = total
		}
		merged = merged.Add(run.Result.Distribution)
		count++
		if last == nil || isLater(run, last) {
			last = run
		}
	}

	if count == 0 {
		return nil, tx.DeleteSummary(ctx, sampleID)
	}

	summary := &entities.SampleSummary{
		SampleID:     sampleID,
		Distribution: merged,
		Total:        merged.Total(),
		TotalRuns:    count,
		LastRunID:    last.ID,
		LastRunAt:    completionTime(last),
	}
	if err := tx.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// isLater orders runs by completion time, ties broken by the higher id.
func isLater(a, b *entities.PredictionRun) bool {
	at, bt := completionTime(a), completionTime(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID > b.ID
}

func completionTime(run *entities.PredictionRun) time.Time {
	if run.CompletedAt != nil {
		return run.CompletedAt.UTC()
	}
	return run.SubmittedAt.UTC()
}

func checkTransition(run *entities.PredictionRun, next entities.RunStatus) error {
	if run.Status.CanTransition(next) {
		return nil
	}
	return errors.Domain(errors.ErrInvalidRequest, "run %d cannot move from %s to %s", run.ID, run.Status, next).
		Component("aggregation").
		Context("run_id", run.ID).
		Context("status", string(run.Status)).
		Build()
}

func (e *Engine) publish(ctx context.Context, run *entities.PredictionRun) {
	event := RunEvent{
		RunID:    run.ID,
		SampleID: run.SampleID,
		Status:   run.Status,
		At:       e.now().UTC(),
	}
	if run.ErrorMessage != nil {
		event.Error = *run.ErrorMessage
	}
	if run.Result != nil {
		total := run.Result.Total
		event.Total = &total
	}
	for _, p := range e.publishers {
		if err := p.PublishRunEvent(ctx, event); err != nil {
			e.log.Warn("run event not published",
				logger.Uint64("run_id", uint64(run.ID)),
				logger.String("status", string(run.Status)),
				logger.Error(err))
		}
	}
}

func invalid(format string, args ...any) error {
	return errors.Domain(errors.ErrInvalidRequest, format, args...).
		Component("aggregation").
		Build()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
