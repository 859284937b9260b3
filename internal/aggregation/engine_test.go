package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordedEvents struct {
	mu     sync.Mutex
	events []RunEvent
}

func (r *recordedEvents) PublishRunEvent(_ context.Context, ev RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) statuses() []entities.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.RunStatus, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	conflicts map[string]int
	runs      int
}

func (c *countingRecorder) RecordRecompute(string, time.Duration, error) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
}

func (c *countingRecorder) RecordConflict(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts == nil {
		c.conflicts = map[string]int{}
	}
	c.conflicts[trigger]++
}

func (c *countingRecorder) RecordRunStatus(entities.RunStatus) {}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, datastore.Store) {
	t.Helper()
	store, err := datastore.NewSQLiteStore(filepath.Join(t.TempDir(), "agg.db"), nil, 0)
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { _ = store.Close() })

	clock := baseTime
	var mu sync.Mutex
	opts = append([]Option{WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})}, opts...)
	return New(datastore.NewRepository(store), nil, opts...), store
}

func createRun(t *testing.T, e *Engine, sampleID string) *entities.PredictionRun {
	t.Helper()
	run, err := e.CreateRun(context.Background(), NewRun{SampleID: sampleID, ImagePath: "plate.jpg"})
	require.NoError(t, err)
	return run
}

func complete(t *testing.T, e *Engine, runID uint, dist entities.Distribution, at time.Time) *Outcome {
	t.Helper()
	out, err := e.CompleteRun(context.Background(), runID, Completion{Distribution: &dist, CompletedAt: at})
	require.NoError(t, err)
	return out
}

func summaryJSON(t *testing.T, e *Engine, sampleID string) string {
	t.Helper()
	summary, err := e.repo.GetSummary(context.Background(), sampleID)
	require.NoError(t, err)
	data, err := json.Marshal(summary)
	require.NoError(t, err)
	return string(data)
}

func assertTotalsConsistent(t *testing.T, e *Engine, sampleID string) {
	t.Helper()
	ctx := context.Background()
	page, err := e.GetSampleRuns(ctx, sampleID, 1, 100)
	require.NoError(t, err)

	var merged entities.Distribution
	contributing := 0
	for i := range page.Items {
		run := &page.Items[i]
		if !run.Contributes() {
			continue
		}
		assert.Equal(t, run.Result.Distribution.Total(), run.Result.Total, "run %d total", run.ID)
		merged = merged.Add(run.Result.Distribution)
		contributing++
	}

	summary, err := e.repo.GetSummary(ctx, sampleID)
	require.NoError(t, err)
	if contributing == 0 {
		assert.Nil(t, summary)
		return
	}
	require.NotNil(t, summary)
	assert.Equal(t, merged, summary.Distribution)
	assert.Equal(t, summary.Distribution.Total(), summary.Total)
	assert.Equal(t, contributing, summary.TotalRuns)
}

func TestSubmitProcessCompleteScenario(t *testing.T) {
	t.Parallel()

	events := &recordedEvents{}
	e, _ := newTestEngine(t, WithPublisher(events))
	ctx := context.Background()

	run := createRun(t, e, "S1")
	assert.Equal(t, entities.RunStatusPending, run.Status)
	assert.NotEmpty(t, run.CorrelationID)

	require.NoError(t, e.MarkProcessing(ctx, run.ID))
	out := complete(t, e, run.ID, entities.Distribution{1: 2, 4: 1}, time.Time{})

	require.NotNil(t, out.Summary)
	assert.Equal(t, 1, out.Summary.TotalRuns)
	assert.Equal(t, 3, out.Summary.Total)
	assert.Equal(t, run.ID, out.Summary.LastRunID)
	assert.JSONEq(t,
		`{"0":0,"1":2,"2":0,"3":0,"4":1,"5":0,"6":0,"7":0,"8":0,"9":0,"10":0,"11":0,"12":0,"total":3}`,
		mustJSON(t, out.Summary.Distribution))

	assert.Equal(t, []entities.RunStatus{
		entities.RunStatusPending, entities.RunStatusProcessing, entities.RunStatusCompleted,
	}, events.statuses())
	require.NotNil(t, events.events[2].Total)
	assert.Equal(t, 3, *events.events[2].Total)

	assertTotalsConsistent(t, e, "S1")
}

func TestCompleteRunDerivesFromWells(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()
	run := createRun(t, e, "W")

	out, err := e.CompleteRun(ctx, run.ID, Completion{
		Wells: []entities.WellPrediction{
			{Label: "A1", Class: entities.WellPositive, Confidence: 1.4},
			{Label: "A2", Class: entities.WellPositive, Confidence: 0.9},
			{Label: "B1", Class: entities.WellNegative, Confidence: 0.8},
		},
		ProcessingTime:     1500 * time.Millisecond,
		AnnotatedImagePath: "annotated.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, entities.Distribution{0: 1, 2: 1}, out.Summary.Distribution)

	got, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.Wells, 3)
	assert.InDelta(t, 1.0, got.Wells[0].Confidence, 1e-9, "confidence is clamped")
	require.NotNil(t, got.ProcessingTimeMs)
	assert.EqualValues(t, 1500, *got.ProcessingTimeMs)
	require.NotNil(t, got.AnnotatedImagePath)
	assert.Equal(t, "annotated.jpg", *got.AnnotatedImagePath)
}

func TestCorrectRunFullMap(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()
	run := createRun(t, e, "S1")
	completedAt := baseTime.Add(time.Hour)
	complete(t, e, run.ID, entities.Distribution{1: 2, 4: 1}, completedAt)

	full := make(map[int]int, entities.DistributionKeys)
	for k := range entities.DistributionKeys {
		full[k] = 0
	}
	full[1] = 5

	before, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)

	out, err := e.CorrectRun(ctx, run.ID, full)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Run.Result.Total)
	require.NotNil(t, out.Summary)
	assert.Equal(t, 5, out.Summary.Total)

	got, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Result.Total)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completedAt), "completion time is unchanged")
	assert.True(t, got.UpdatedAt.After(before.UpdatedAt), "updated_at moves")
	assertTotalsConsistent(t, e, "S1")
}

func TestCorrectRunPatchAndClamp(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()
	run := createRun(t, e, "S1")
	complete(t, e, run.ID, entities.Distribution{1: 2, 4: 1}, time.Time{})

	out, err := e.CorrectRun(ctx, run.ID, map[int]int{1: -3})
	require.NoError(t, err)
	assert.Equal(t, entities.Distribution{4: 1}, out.Run.Result.Distribution)
	assert.Equal(t, 1, out.Summary.Total)

	_, err = e.CorrectRun(ctx, run.ID, map[int]int{13: 1})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = e.CorrectRun(ctx, run.ID, map[int]int{})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = e.CorrectRun(ctx, 9999, map[int]int{1: 1})
	assert.ErrorIs(t, err, errors.ErrRunNotFound)

	pending := createRun(t, e, "S1")
	_, err = e.CorrectRun(ctx, pending.ID, map[int]int{1: 1})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestDeleteOnlyRunRemovesSummary(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()
	run := createRun(t, e, "S1")
	complete(t, e, run.ID, entities.Distribution{3: 2}, time.Time{})

	out, err := e.DeleteRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Summary)

	summary, err := e.repo.GetSummary(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, summary)

	_, err = e.DeleteRun(ctx, run.ID)
	assert.ErrorIs(t, err, errors.ErrRunNotFound)
}

func TestDeleteRecomputesRemainingRuns(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createRun(t, e, "S")
	b := createRun(t, e, "S")
	c := createRun(t, e, "S")
	complete(t, e, a.ID, entities.Distribution{1: 1}, baseTime.Add(time.Hour))
	complete(t, e, b.ID, entities.Distribution{2: 2}, baseTime.Add(2*time.Hour))
	complete(t, e, c.ID, entities.Distribution{3: 3}, baseTime.Add(2*time.Hour))

	summary, err := e.repo.GetSummary(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, c.ID, summary.LastRunID, "ties on completion time go to the higher id")

	out, err := e.DeleteRun(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Summary)
	assert.Equal(t, entities.Distribution{1: 1, 2: 2}, out.Summary.Distribution)
	assert.Equal(t, 2, out.Summary.TotalRuns)
	assert.Equal(t, b.ID, out.Summary.LastRunID)
	assertTotalsConsistent(t, e, "S")
}

func TestRecomputeIsIdempotentAndRepairsTotals(t *testing.T) {
	t.Parallel()

	e, store := newTestEngine(t)
	ctx := context.Background()
	run := createRun(t, e, "S")
	complete(t, e, run.ID, entities.Distribution{2: 4, 0: 1}, time.Time{})
	other := createRun(t, e, "S")
	complete(t, e, other.ID, entities.Distribution{7: 2}, time.Time{})

	// Corrupt a stored total; recomputation must not trust it.
	require.NoError(t, store.DB().Model(&entities.InferenceResult{}).
		Where("run_id = ?", run.ID).Update("total", 99).Error)

	first, err := e.Recompute(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 7, first.Total)
	firstJSON := summaryJSON(t, e, "S")

	for range 3 {
		_, err := e.Recompute(ctx, "S")
		require.NoError(t, err)
		assert.Equal(t, firstJSON, summaryJSON(t, e, "S"))
	}
	assertTotalsConsistent(t, e, "S")

	n, err := e.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, firstJSON, summaryJSON(t, e, "S"))
}

func TestCompletionOrderDoesNotMatter(t *testing.T) {
	t.Parallel()

	build := func(reverse bool) string {
		e, _ := newTestEngine(t)
		x := createRun(t, e, "S")
		y := createRun(t, e, "S")
		steps := []func(){
			func() { complete(t, e, x.ID, entities.Distribution{1: 2, 4: 1}, baseTime.Add(time.Hour)) },
			func() { complete(t, e, y.ID, entities.Distribution{4: 2, 0: 1}, baseTime.Add(2*time.Hour)) },
		}
		if reverse {
			steps[0], steps[1] = steps[1], steps[0]
		}
		for _, step := range steps {
			step()
		}
		return summaryJSON(t, e, "S")
	}

	assert.Equal(t, build(false), build(true))
}

func TestConcurrentCompletionsKeepInvariant(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	const n = 8
	runs := make([]*entities.PredictionRun, n)
	for i := range runs {
		runs[i] = createRun(t, e, "C")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, run := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := entities.Distribution{}
			d[i%entities.DistributionKeys] = i + 1
			_, err := e.CompleteRun(context.Background(), run.ID, Completion{Distribution: &d})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	summary, err := e.repo.GetSummary(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, n, summary.TotalRuns)
	assert.Equal(t, n*(n+1)/2, summary.Total)
	assertTotalsConsistent(t, e, "C")
}

func TestWriteFailureLeavesSummaryIntact(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	events := &recordedEvents{}
	e, store := newTestEngine(t, WithRecorder(rec), WithPublisher(events))
	ctx := context.Background()

	x := createRun(t, e, "S")
	complete(t, e, x.ID, entities.Distribution{1: 2}, time.Time{})
	before := summaryJSON(t, e, "S")

	y := createRun(t, e, "S")
	published := len(events.statuses())

	injected := fmt.Errorf("injected write failure")
	require.NoError(t, store.DB().Callback().Create().Before("gorm:create").
		Register("test:fail_summary", func(db *gorm.DB) {
			if db.Statement.Table == "sample_summaries" {
				_ = db.AddError(injected)
			}
		}))

	_, err := e.CompleteRun(ctx, y.ID, Completion{Distribution: &entities.Distribution{5: 5}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAggregationConflict)
	assert.ErrorIs(t, err, injected)
	assert.Equal(t, 1, rec.conflicts[TriggerComplete])
	assert.Len(t, events.statuses(), published, "nothing is published on conflict")

	require.NoError(t, store.DB().Callback().Create().Remove("test:fail_summary"))

	assert.Equal(t, before, summaryJSON(t, e, "S"))
	got, err := e.GetRun(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunStatusPending, got.Status, "run update rolled back")
	assert.Nil(t, got.Result)
}

func TestRunTransitions(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	run := createRun(t, e, "T")
	require.NoError(t, e.FailRun(ctx, run.ID, "classifier exploded"))

	got, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "classifier exploded", *got.ErrorMessage)

	err = e.MarkProcessing(ctx, run.ID)
	assert.True(t, errors.IsInvalidRequest(err), "terminal states are final")

	_, err = e.CompleteRun(ctx, run.ID, Completion{Distribution: &entities.Distribution{}})
	assert.True(t, errors.IsInvalidRequest(err))

	summary, err := e.repo.GetSummary(ctx, "T")
	require.NoError(t, err)
	assert.Nil(t, summary, "failed runs do not contribute")

	assert.ErrorIs(t, e.MarkProcessing(ctx, 4242), errors.ErrRunNotFound)
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateRun(ctx, NewRun{ImagePath: "x.jpg"})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = e.CreateRun(ctx, NewRun{SampleID: "S"})
	assert.True(t, errors.IsInvalidRequest(err))

	run, err := e.CreateRun(ctx, NewRun{
		SampleID: "S", ImagePath: "x.jpg", SubmissionID: "sub-1", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", run.CorrelationID)
	require.NotNil(t, run.SubmissionID)
	assert.Equal(t, "sub-1", *run.SubmissionID)
	assert.Nil(t, run.Description)
}

func TestListSamplesAndRuns(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	for i, sample := range []string{"B", "A", "C"} {
		for j := 0; j <= i; j++ {
			run := createRun(t, e, sample)
			complete(t, e, run.ID, entities.Distribution{1: 1}, baseTime.Add(time.Duration(i*10+j)*time.Minute))
		}
	}

	page, err := e.ListSamples(ctx, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "recent", page.Sort)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, datastore.DefaultPageSize, page.PageSize)
	assert.EqualValues(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "C", page.Items[0].SampleID)

	page, err = e.ListSamples(ctx, 1, 2, "runs")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "C", page.Items[0].SampleID)
	assert.Equal(t, 3, page.Items[0].TotalRuns)

	_, err = e.ListSamples(ctx, 1, 20, "loudest")
	assert.True(t, errors.IsInvalidRequest(err))

	runs, err := e.GetSampleRuns(ctx, "C", 1, 500)
	require.NoError(t, err)
	assert.Equal(t, datastore.MaxPageSize, runs.PageSize)
	assert.EqualValues(t, 3, runs.Total)
	require.Len(t, runs.Items, 3)
	assert.Greater(t, runs.Items[0].ID, runs.Items[2].ID, "newest first")

	empty, err := e.GetSampleRuns(ctx, "nobody", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.NotNil(t, empty.Items)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
