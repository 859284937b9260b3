package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/classifier"
	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClassifier returns its script in order, repeating the last entry.
type scriptedClassifier struct {
	mu     sync.Mutex
	script []func() (*classifier.Result, error)
	calls  int
}

func (c *scriptedClassifier) Classify(context.Context, classifier.Request) (*classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := min(c.calls, len(c.script)-1)
	c.calls++
	return c.script[i]()
}

func plateResult() (*classifier.Result, error) {
	return &classifier.Result{
		Wells: []entities.WellPrediction{
			{Label: "A1", Class: entities.WellPositive, Confidence: 0.9},
			{Label: "B1", Class: entities.WellPositive, Confidence: 0.8},
			{Label: "B4", Class: entities.WellPositive, Confidence: 0.7},
			{Label: "C1", Class: entities.WellPositive, Confidence: 0.9},
		},
		AnnotatedImagePath: "annotated.jpg",
		Duration:           40 * time.Millisecond,
	}, nil
}

func newTestEngine(t *testing.T) *aggregation.Engine {
	t.Helper()
	store, err := datastore.NewSQLiteStore(filepath.Join(t.TempDir(), "dispatch.db"), nil, 0)
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { _ = store.Close() })
	return aggregation.New(datastore.NewRepository(store), nil)
}

func createRun(t *testing.T, e *aggregation.Engine, sampleID string) *entities.PredictionRun {
	t.Helper()
	run, err := e.CreateRun(context.Background(), aggregation.NewRun{SampleID: sampleID, ImagePath: "uploads/p.jpg"})
	require.NoError(t, err)
	return run
}

func TestInferenceCompletesRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := newTestEngine(t)
	run := createRun(t, engine, "S1")
	cls := &scriptedClassifier{script: []func() (*classifier.Result, error){plateResult}}
	worker := NewInference(engine, cls, "", nil)

	require.NoError(t, worker.Job(run.ID).Execute(ctx))

	got, err := engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, entities.Distribution{1: 2, 4: 1}, got.Result.Distribution)
	assert.Equal(t, 3, got.Result.Total)
	assert.Len(t, got.Wells, 4)
	require.NotNil(t, got.AnnotatedImagePath)
	assert.Equal(t, "annotated.jpg", *got.AnnotatedImagePath)

	page, err := engine.ListSamples(ctx, 1, 20, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Items[0].TotalRuns)

	require.NoError(t, worker.Job(run.ID).Execute(ctx), "a finished run is left alone")
	assert.Equal(t, 1, cls.calls)
}

func TestInferenceRetriesThroughQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := newTestEngine(t)
	run := createRun(t, engine, "S2")
	cls := &scriptedClassifier{script: []func() (*classifier.Result, error){
		func() (*classifier.Result, error) {
			return nil, errors.DomainWrap(errors.ErrTransient, fmt.Errorf("connection refused"), "classifier request failed").Build()
		},
		plateResult,
	}}
	q := startQueue(t, 10, fastRetry(2))

	_, err := q.Enqueue(NewInference(engine, cls, entities.WellPositive, nil).Job(run.ID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.GetRun(ctx, run.ID)
		return err == nil && got.Status == entities.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInferenceFailureMarksRunFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := newTestEngine(t)
	run := createRun(t, engine, "S3")
	cls := &scriptedClassifier{script: []func() (*classifier.Result, error){
		func() (*classifier.Result, error) {
			return nil, errors.Domain(errors.ErrInvalidRequest, "plate not detected").Build()
		},
	}}
	q := startQueue(t, 10, fastRetry(3))

	_, err := q.Enqueue(NewInference(engine, cls, "", nil).Job(run.ID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.GetRun(ctx, run.ID)
		return err == nil && got.Status == entities.RunStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "plate not detected")
	assert.Nil(t, got.Result)
	assert.Equal(t, 1, cls.calls, "rejected images are not retried")

	page, err := engine.ListSamples(ctx, 1, 20, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items, "failed runs do not contribute")
}

func TestInferenceUnknownRunIsPermanent(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t)
	worker := NewInference(engine, &scriptedClassifier{script: []func() (*classifier.Result, error){plateResult}}, "", nil)

	err := worker.Job(404).Execute(context.Background())
	require.Error(t, err)
	assert.True(t, permanent(err))
}
