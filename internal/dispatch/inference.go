package dispatch

import (
	"context"
	"fmt"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/classifier"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// RunStore is the part of the aggregation engine the inference worker drives.
type RunStore interface {
	GetRun(ctx context.Context, runID uint) (*entities.PredictionRun, error)
	MarkProcessing(ctx context.Context, runID uint) error
	CompleteRun(ctx context.Context, runID uint, c aggregation.Completion) (*aggregation.Outcome, error)
	FailRun(ctx context.Context, runID uint, message string) error
}

// Inference classifies a run's image and records the outcome on the run.
type Inference struct {
	runs       RunStore
	classifier classifier.Classifier
	target     entities.WellClass
	log        logger.Logger
}

// NewInference returns a worker counting wells of class target.
func NewInference(runs RunStore, c classifier.Classifier, target entities.WellClass, log logger.Logger) *Inference {
	if log == nil {
		log = logger.NewDiscard()
	}
	if target == "" {
		target = entities.WellPositive
	}
	return &Inference{runs: runs, classifier: c, target: target, log: log.Module("dispatch")}
}

// Job returns the queue action for runID.
func (w *Inference) Job(runID uint) Action {
	return &inferenceJob{worker: w, runID: runID}
}

type inferenceJob struct {
	worker *Inference
	runID  uint
}

func (j *inferenceJob) Description() string {
	return fmt.Sprintf("inference run %d", j.runID)
}

// Execute is safe to repeat: a retried job resumes from processing and a
// job whose run already finished does nothing.
func (j *inferenceJob) Execute(ctx context.Context) error {
	w := j.worker
	run, err := w.runs.GetRun(ctx, j.runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case entities.RunStatusCompleted, entities.RunStatusFailed:
		w.log.Debug("run already finished", logger.Uint64("run_id", uint64(j.runID)))
		return nil
	case entities.RunStatusPending:
		if err := w.runs.MarkProcessing(ctx, j.runID); err != nil {
			return err
		}
	}

	result, err := w.classifier.Classify(ctx, classifier.Request{
		RunID:               run.ID,
		ImagePath:           run.ImagePath,
		ConfidenceThreshold: run.ConfidenceThreshold,
	})
	if err != nil {
		return err
	}

	dist, skipped := aggregation.DeriveDistribution(result.Wells, w.target)
	if len(skipped) > 0 {
		w.log.Warn("ignored wells with unparseable labels",
			logger.Uint64("run_id", uint64(j.runID)),
			logger.Any("labels", skipped))
	}

	outcome, err := w.runs.CompleteRun(ctx, j.runID, aggregation.Completion{
		Wells:              result.Wells,
		Distribution:       &dist,
		ProcessingTime:     result.Duration,
		AnnotatedImagePath: result.AnnotatedImagePath,
	})
	if err != nil {
		return err
	}

	w.log.Info("inference completed",
		logger.Uint64("run_id", uint64(j.runID)),
		logger.String("sample_id", outcome.Run.SampleID),
		logger.Int("wells", len(result.Wells)),
		logger.Int("total", dist.Total()))
	return nil
}

// Failed marks the run failed with the error's message.
func (j *inferenceJob) Failed(ctx context.Context, cause error) {
	if err := j.worker.runs.FailRun(ctx, j.runID, cause.Error()); err != nil {
		if errors.IsInvalidRequest(err) || errors.IsNotFound(err) {
			// Finished or deleted meanwhile.
			return
		}
		j.worker.log.Error("failed to record run failure",
			logger.Uint64("run_id", uint64(j.runID)),
			logger.Error(err))
	}
}
