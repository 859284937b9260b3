package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

const (
	defaultProcessingInterval = 250 * time.Millisecond
	defaultExecutionTimeout   = 2 * time.Minute
	finalizeTimeout           = 30 * time.Second
)

// Queue holds jobs until a worker slot is free and their retry time is due.
type Queue struct {
	mu         sync.Mutex
	jobs       []*Job
	stats      Stats
	jobCounter int
	maxJobs    int
	workers    int
	running    int
	retry      RetryConfig

	limiter            *rate.Limiter
	processingInterval time.Duration
	executionTimeout   time.Duration

	isRunning     bool
	wake          chan struct{}
	processCancel context.CancelFunc
	loopDone      chan struct{}
	jobCtx        context.Context
	jobCancel     context.CancelFunc
	runningJobs   sync.WaitGroup

	log      logger.Logger
	recorder Recorder
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets how many jobs may run at once.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithRateLimit paces job starts to perSecond with the given burst. A
// non-positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		if perSecond <= 0 {
			q.limiter = nil
			return
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithProcessingInterval sets how often retry times are checked.
func WithProcessingInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.processingInterval = d
		}
	}
}

// WithExecutionTimeout bounds one attempt.
func WithExecutionTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.executionTimeout = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

// NewQueue returns a stopped queue holding at most maxJobs unfinished jobs.
func NewQueue(maxJobs int, retry RetryConfig, log logger.Logger, opts ...Option) *Queue {
	if maxJobs <= 0 {
		maxJobs = 100
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 1
	}
	if retry.MaxDelay < retry.InitialDelay {
		retry.MaxDelay = retry.InitialDelay
	}
	q := &Queue{
		maxJobs:            maxJobs,
		workers:            1,
		retry:              retry,
		processingInterval: defaultProcessingInterval,
		executionTimeout:   defaultExecutionTimeout,
		wake:               make(chan struct{}, 1),
		log:                log.Module("dispatch"),
		recorder:           noopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.stats.MaxQueueSize = maxJobs
	return q
}

// Start begins processing. Cancelling ctx stops new attempts from starting;
// running attempts continue until Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return
	}
	q.isRunning = true

	processCtx, cancel := context.WithCancel(ctx)
	q.processCancel = cancel
	q.jobCtx, q.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	q.loopDone = make(chan struct{})

	go q.processJobs(processCtx, q.loopDone)
	q.log.Info("job queue started",
		logger.Int("workers", q.workers),
		logger.Int("max_jobs", q.maxJobs))
}

// Stop refuses new jobs and waits up to timeout for running attempts. Attempts
// still running at the timeout are cancelled and an error is returned.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.processCancel()
	loopDone := q.loopDone
	jobCancel := q.jobCancel
	q.mu.Unlock()

	<-loopDone

	done := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		jobCancel()
		q.log.Info("job queue stopped")
		return nil
	case <-timer.C:
		jobCancel()
		<-done
		return errors.Newf("timed out waiting for jobs to complete after %v", timeout).
			Component("dispatch").
			Category(errors.CategoryJobQueue).
			Build()
	}
}

// Enqueue adds action to the queue and returns the job id.
func (q *Queue) Enqueue(action Action) (string, error) {
	if action == nil {
		return "", ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return "", errors.New(ErrQueueStopped).
			Component("dispatch").
			Category(errors.CategoryJobQueue).
			Build()
	}
	if q.unfinishedLocked() >= q.maxJobs {
		q.stats.RejectedJobs++
		q.recorder.RecordJobOutcome(OutcomeRejected)
		return "", errors.New(fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)).
			Component("dispatch").
			Category(errors.CategoryJobQueue).
			Context("action", action.Description()).
			Build()
	}

	q.jobCounter++
	now := time.Now()
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		MaxAttempts: q.retry.MaxRetries + 1,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      JobStatusPending,
	}
	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++
	q.recorder.SetQueueDepth(q.waitingLocked())
	q.signal()
	return job.ID, nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.PendingJobs = q.waitingLocked()
	s.RunningJobs = q.running
	return s
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) processJobs(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		q.processDueJobs()
	}
}

// processDueJobs drops finished jobs and starts due ones while worker slots are free.
func (q *Queue) processDueJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Status != JobStatusCompleted && job.Status != JobStatusFailed {
			active = append(active, job)
		}
	}
	clear(q.jobs[len(active):])
	q.jobs = active

	now := time.Now()
	for _, job := range q.jobs {
		if q.running >= q.workers {
			break
		}
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			job.Status = JobStatusRunning
			q.running++
			q.runningJobs.Add(1)
			go q.executeJob(job)
		}
	}
	q.recorder.SetQueueDepth(q.waitingLocked())
}

func (q *Queue) executeJob(job *Job) {
	defer q.runningJobs.Done()
	ctx := q.jobCtx

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			q.finish(job, fmt.Errorf("rate limiter: %w", err))
			return
		}
	}

	q.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	if attempt > 1 {
		q.stats.RetryAttempts++
	}
	q.mu.Unlock()

	if attempt > 1 {
		q.log.Info("retrying job",
			logger.String("job_id", job.ID),
			logger.String("action", job.Action.Description()),
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", job.MaxAttempts))
	}

	execCtx, cancel := context.WithTimeout(ctx, q.executionTimeout)
	err := q.execute(execCtx, job.Action)
	cancel()

	q.finish(job, err)
}

// execute runs one attempt, turning a panic into an error.
func (q *Queue) execute(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job execution panicked: %v", r)
		}
	}()
	return action.Execute(ctx)
}

func (q *Queue) finish(job *Job, err error) {
	q.mu.Lock()
	q.running--
	var finalize bool

	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.LastError = nil
		q.stats.SuccessfulJobs++
		q.recorder.RecordJobOutcome(OutcomeSucceeded)
		if job.Attempts > 1 {
			q.log.Info("job succeeded after retry",
				logger.String("job_id", job.ID),
				logger.Int("attempts", job.Attempts))
		}

	case q.jobCtx.Err() != nil:
		// Shutting down: leave the job for the next process to pick up.
		job.Status = JobStatusRetrying
		job.LastError = err

	case permanent(err) || job.Attempts >= job.MaxAttempts:
		job.Status = JobStatusFailed
		job.LastError = err
		q.stats.FailedJobs++
		q.recorder.RecordJobOutcome(OutcomeFailed)
		finalize = true
		q.log.Warn("job permanently failed",
			logger.String("job_id", job.ID),
			logger.String("action", job.Action.Description()),
			logger.Int("attempts", job.Attempts),
			logger.Error(err))

	default:
		job.Status = JobStatusRetrying
		job.LastError = err
		delay := backoffDelay(q.retry, job.Attempts)
		job.NextRetryAt = time.Now().Add(delay)
		q.recorder.RecordJobOutcome(OutcomeRetried)
		q.log.Warn("job failed, will retry",
			logger.String("job_id", job.ID),
			logger.String("action", job.Action.Description()),
			logger.Duration("delay", delay),
			logger.Int("attempt", job.Attempts),
			logger.Int("max_attempts", job.MaxAttempts),
			logger.Error(err))
	}
	q.recorder.SetQueueDepth(q.waitingLocked())
	q.mu.Unlock()

	if finalize {
		if f, ok := job.Action.(Finalizer); ok {
			ctx, cancel := context.WithTimeout(q.jobCtx, finalizeTimeout)
			f.Failed(ctx, err)
			cancel()
		}
	}
	q.signal()
}

func (q *Queue) unfinishedLocked() int {
	n := 0
	for _, job := range q.jobs {
		if job.Status != JobStatusCompleted && job.Status != JobStatusFailed {
			n++
		}
	}
	return n
}

func (q *Queue) waitingLocked() int {
	n := 0
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			n++
		}
	}
	return n
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.IsInvalidRequest(err) || errors.IsNotFound(err)
}

// backoffDelay returns the delay before retry number attempt, with ±10% jitter.
func backoffDelay(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	backoff *= 0.9 + 0.2*rand.Float64()
	if backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}
	return time.Duration(backoff)
}
