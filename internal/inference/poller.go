package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// Schedule controls Poll. The wait before the next query is
// Initial + Growth*elapsed, capped at Max; nothing is queried after Deadline.
type Schedule struct {
	Initial            time.Duration
	Max                time.Duration
	Deadline           time.Duration
	Growth             float64
	MaxTransportErrors int
}

// DefaultSchedule returns 200ms growing by 100ms per elapsed second, capped
// at 2s, giving up after 120s or 5 consecutive transport errors.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:            200 * time.Millisecond,
		Max:                2 * time.Second,
		Deadline:           120 * time.Second,
		Growth:             0.1,
		MaxTransportErrors: 5,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Initial <= 0 {
		s.Initial = d.Initial
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Max < s.Initial {
		s.Max = s.Initial
	}
	if s.Deadline <= 0 {
		s.Deadline = d.Deadline
	}
	if s.Growth <= 0 {
		s.Growth = d.Growth
	}
	if s.MaxTransportErrors <= 0 {
		s.MaxTransportErrors = d.MaxTransportErrors
	}
	return s
}

// Interval returns the wait after elapsed time since polling started.
func (s Schedule) Interval(elapsed time.Duration) time.Duration {
	if elapsed < 0 {
		elapsed = 0
	}
	grown := s.Initial + time.Duration(s.Growth*float64(elapsed))
	return min(grown, s.Max)
}

// Clock is the time source of the poller.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusQuerier performs one status query. *Client implements it.
type StatusQuerier interface {
	Status(ctx context.Context, id JobID) (*StatusResponse, error)
}

// JobFailedError carries the worker's failure message verbatim.
type JobFailedError struct {
	JobID   JobID
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %d failed: %s", e.JobID, e.Message)
}

// Unwrap places the error in the JobFailed class.
func (e *JobFailedError) Unwrap() error {
	return errors.ErrJobFailed
}

// Poller waits for jobs to reach a terminal state.
type Poller struct {
	querier  StatusQuerier
	schedule Schedule
	clock    Clock
	log      logger.Logger
	recorder Recorder
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPollRecorder sets the metrics recorder.
func WithPollRecorder(r Recorder) PollerOption {
	return func(p *Poller) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewPoller returns a poller querying q on schedule. Zero schedule fields take
// the DefaultSchedule values.
func NewPoller(q StatusQuerier, schedule Schedule, log logger.Logger, opts ...PollerOption) *Poller {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Poller{
		querier:  q,
		schedule: schedule.withDefaults(),
		clock:    realClock{},
		log:      log.Module("inference").Module("poller"),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schedule returns the effective schedule.
func (p *Poller) Schedule() Schedule {
	return p.schedule
}

// Poll queries the job until it completes, fails, or the deadline passes.
// onStatusChange, when non-nil, sees every observed status before the next
// wait. A failed job returns a *JobFailedError (errors.ErrJobFailed); the
// deadline returns errors.ErrTimeout without a further query;
// MaxTransportErrors consecutive transport failures return errors.ErrTransient.
func (p *Poller) Poll(ctx context.Context, id JobID, onStatusChange func(StatusResponse)) (*TerminalResult, error) {
	start := p.clock.Now()
	polls := 0
	transportErrors := 0
	var lastErr error

	for {
		polls++
		status, err := p.querier.Status(ctx, id)
		switch {
		case err != nil:
			p.recorder.RecordPoll("", err)
			if ctx.Err() != nil {
				return nil, p.cancelled(ctx, id)
			}
			if !errors.IsTransient(err) {
				return nil, err
			}
			transportErrors++
			lastErr = err
			p.log.Debug("status query failed",
				logger.Uint64("job_id", uint64(id)),
				logger.Int("consecutive", transportErrors),
				logger.Error(err))
			if transportErrors >= p.schedule.MaxTransportErrors {
				return nil, errors.DomainWrap(errors.ErrTransient, lastErr,
					fmt.Sprintf("job %d: %d consecutive status queries failed", id, transportErrors)).
					Component("inference").
					Context("job_id", uint(id)).
					Build()
			}

		default:
			transportErrors = 0
			p.recorder.RecordPoll(status.Status, nil)
			if onStatusChange != nil {
				onStatusChange(*status)
			}
			switch status.Status {
			case StatusCompleted:
				result := &TerminalResult{
					JobID:   id,
					Wells:   status.Wells,
					Polls:   polls,
					Elapsed: p.clock.Now().Sub(start),
				}
				if status.Distribution != nil {
					result.Distribution = *status.Distribution
				}
				return result, nil
			case StatusFailed:
				return nil, errors.New(&JobFailedError{JobID: id, Message: status.Error}).
					Component("inference").
					Category(errors.CategoryJobFailed).
					Context("job_id", uint(id)).
					Build()
			}
		}

		elapsed := p.clock.Now().Sub(start)
		remaining := p.schedule.Deadline - elapsed
		if remaining <= 0 {
			return nil, p.timeout(id, polls, elapsed)
		}
		if err := p.clock.Sleep(ctx, min(p.schedule.Interval(elapsed), remaining)); err != nil {
			return nil, p.cancelled(ctx, id)
		}
		if elapsed = p.clock.Now().Sub(start); elapsed >= p.schedule.Deadline {
			return nil, p.timeout(id, polls, elapsed)
		}
	}
}

func (p *Poller) timeout(id JobID, polls int, elapsed time.Duration) error {
	p.log.Warn("stopped waiting for job",
		logger.Uint64("job_id", uint64(id)),
		logger.Int("polls", polls),
		logger.Duration("elapsed", elapsed))
	return errors.Domain(errors.ErrTimeout, "job %d not finished after %s", id, p.schedule.Deadline).
		Component("inference").
		Context("job_id", uint(id)).
		Context("polls", polls).
		Build()
}

func (p *Poller) cancelled(ctx context.Context, id JobID) error {
	return errors.New(fmt.Errorf("polling job %d: %w", id, ctx.Err())).
		Component("inference").
		Category(errors.CategoryCancellation).
		Build()
}
