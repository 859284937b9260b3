package inference

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) elapsed(start time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(start)
}

// scriptedQuerier replays responses, repeating the last one forever.
type scriptedQuerier struct {
	mu      sync.Mutex
	script  []func() (*StatusResponse, error)
	queries int
}

func (q *scriptedQuerier) Status(context.Context, JobID) (*StatusResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := min(q.queries, len(q.script)-1)
	q.queries++
	return q.script[i]()
}

func status(s JobStatus) func() (*StatusResponse, error) {
	return func() (*StatusResponse, error) { return &StatusResponse{Status: s}, nil }
}

func transportFailure() func() (*StatusResponse, error) {
	return func() (*StatusResponse, error) {
		return nil, errors.DomainWrap(errors.ErrTransient, fmt.Errorf("connection reset"), "GET status").Build()
	}
}

func TestScheduleInterval(t *testing.T) {
	t.Parallel()

	s := DefaultSchedule()
	assert.Equal(t, 200*time.Millisecond, s.Interval(0))
	assert.Equal(t, 300*time.Millisecond, s.Interval(time.Second))
	assert.Equal(t, 1200*time.Millisecond, s.Interval(10*time.Second))
	assert.Equal(t, 2*time.Second, s.Interval(18*time.Second))
	assert.Equal(t, 2*time.Second, s.Interval(100*time.Second))
	assert.Equal(t, 200*time.Millisecond, s.Interval(-time.Second))

	zero := Schedule{}.withDefaults()
	assert.Equal(t, s, zero)
}

func TestPollTimesOutAtDeadline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	start := clock.Now()
	q := &scriptedQuerier{script: []func() (*StatusResponse, error){status(StatusProcessing)}}
	p := NewPoller(q, DefaultSchedule(), nil, WithClock(clock))

	var observed int
	_, err := p.Poll(context.Background(), 3, func(StatusResponse) { observed++ })
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	assert.Contains(t, err.Error(), "the job may still complete")

	assert.LessOrEqual(t, clock.elapsed(start), 120*time.Second)
	assert.Equal(t, q.queries, observed, "every observation is reported")
	assert.Len(t, clock.sleeps, q.queries, "no query after the final wait")

	// All waits but the last (trimmed to the deadline) are non-decreasing and capped.
	for i, d := range clock.sleeps {
		assert.LessOrEqual(t, d, 2*time.Second)
		if i > 0 && i < len(clock.sleeps)-1 {
			assert.GreaterOrEqual(t, d, clock.sleeps[i-1], "wait %d", i)
		}
	}
	assert.Equal(t, 200*time.Millisecond, clock.sleeps[0])
	assert.Equal(t, 2*time.Second, clock.sleeps[len(clock.sleeps)-2])
}

func TestPollReturnsCompletedResult(t *testing.T) {
	t.Parallel()

	dist := entities.Distribution{1: 2, 4: 1}
	q := &scriptedQuerier{script: []func() (*StatusResponse, error){
		status(StatusPending),
		transportFailure(),
		status(StatusProcessing),
		func() (*StatusResponse, error) {
			return &StatusResponse{Status: StatusCompleted, Distribution: &dist,
				Wells: []entities.WellPrediction{{Label: "A1", Class: entities.WellPositive}}}, nil
		},
	}}
	clock := newFakeClock()
	p := NewPoller(q, DefaultSchedule(), nil, WithClock(clock))

	var seen []JobStatus
	result, err := p.Poll(context.Background(), 5, func(s StatusResponse) { seen = append(seen, s.Status) })
	require.NoError(t, err)
	assert.Equal(t, dist, result.Distribution)
	assert.Equal(t, 4, result.Polls)
	assert.Len(t, result.Wells, 1)
	assert.Equal(t, []JobStatus{StatusPending, StatusProcessing, StatusCompleted}, seen)
}

func TestPollJobFailedCarriesMessage(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{script: []func() (*StatusResponse, error){
		status(StatusProcessing),
		func() (*StatusResponse, error) {
			return &StatusResponse{Status: StatusFailed, Error: "plate not detected: 0 wells"}, nil
		},
	}}
	p := NewPoller(q, DefaultSchedule(), nil, WithClock(newFakeClock()))

	_, err := p.Poll(context.Background(), 8, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrJobFailed)

	var failed *JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "plate not detected: 0 wells", failed.Message)
	assert.Equal(t, JobID(8), failed.JobID)
	assert.Equal(t, 2, q.queries, "failed jobs are not retried")
}

func TestPollSurfacesTransientAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{script: []func() (*StatusResponse, error){
		transportFailure(),
		transportFailure(),
		status(StatusProcessing), // resets the streak
		transportFailure(),
	}}
	p := NewPoller(q, Schedule{MaxTransportErrors: 3}, nil, WithClock(newFakeClock()))

	_, err := p.Poll(context.Background(), 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransient)
	assert.Equal(t, 6, q.queries)
}

func TestPollStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{script: []func() (*StatusResponse, error){
		func() (*StatusResponse, error) {
			return nil, errors.Domain(errors.ErrRunNotFound, "run 1").Build()
		},
	}}
	p := NewPoller(q, DefaultSchedule(), nil, WithClock(newFakeClock()))

	_, err := p.Poll(context.Background(), 1, nil)
	assert.ErrorIs(t, err, errors.ErrRunNotFound)
	assert.Equal(t, 1, q.queries)
}

func TestPollHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := &scriptedQuerier{script: []func() (*StatusResponse, error){status(StatusProcessing)}}
	p := NewPoller(q, DefaultSchedule(), nil, WithClock(newFakeClock()))

	_, err := p.Poll(ctx, 1, func(StatusResponse) { cancel() })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

// Submit then poll over HTTP: two processing observations, then completed.
func TestSubmitAndPollScenario(t *testing.T) {
	t.Parallel()

	c, transport := newMockClient(t)
	log := &requestLog{}
	capturePredict(t, transport, log, 12)

	var mu sync.Mutex
	polls := 0
	transport.RegisterResponder(http.MethodGet, testServer+PathStatus+"12",
		func(*http.Request) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			polls++
			data := StatusResponse{RunID: 12, Status: StatusProcessing}
			if polls > 2 {
				dist := entities.Distribution{1: 2, 4: 1}
				data = StatusResponse{RunID: 12, Status: StatusCompleted, Distribution: &dist}
			}
			return httpmock.NewJsonResponse(http.StatusOK, Envelope[StatusResponse]{Success: true, Data: data})
		})

	ctx := context.Background()
	id, err := c.Submit(ctx, FileSubmission{Filename: "s1.jpg", Data: []byte("img"), Meta: Meta{SampleID: "S1"}})
	require.NoError(t, err)

	p := NewPoller(c, DefaultSchedule(), nil, WithClock(newFakeClock()))
	var seen []JobStatus
	result, err := p.Poll(ctx, id, func(s StatusResponse) { seen = append(seen, s.Status) })
	require.NoError(t, err)

	assert.Equal(t, []JobStatus{StatusProcessing, StatusProcessing, StatusCompleted}, seen)
	assert.Equal(t, entities.Distribution{1: 2, 4: 1}, result.Distribution)
	assert.Equal(t, 3, result.Distribution.Total())
}
