package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/router-for-me/PageBlocks/internal/bulk"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/progress"
	log "github.com/sirupsen/logrus"
)

// ErrPaused is returned by ProcessNext while the queue is paused.
var ErrPaused = errors.New("queue: paused")

const (
	defaultMaxAttempts  = 3
	defaultRetryInitial = time.Minute
	defaultRetryMax     = time.Hour
)

var jobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pageblocks_queue_jobs_processed_total",
		Help: "Total number of processed queue jobs by outcome.",
	},
	[]string{"status"},
)

// Runner is the bulk orchestrator as seen by the processor.
type Runner interface {
	Run(ctx context.Context, req bulk.Request) (*bulk.Result, error)
	RetryFailed(ctx context.Context, postID uint64, userID *uint64) (*bulk.Result, error)
}

// Outcome reports one processed job.
type Outcome struct {
	Job      models.QueueJob  `json:"job"`
	Result   *bulk.Result     `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Requeued *models.QueueJob `json:"requeued,omitempty"`
}

type ProcessorOptions struct {
	MaxAttempts int
	// RetryInitial and RetryMax bound the exponential delay before a failed job runs again.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Processor turns due queue jobs into bulk runs.
type Processor struct {
	queue  *Queue
	runner Runner
	opts   ProcessorOptions
	logger log.FieldLogger
}

func NewProcessor(queue *Queue, runner Runner, opts ProcessorOptions, logger log.FieldLogger) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = defaultRetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{queue: queue, runner: runner, opts: opts, logger: logger}
}

// ProcessNext claims and runs the oldest due job. It returns nil, nil when nothing is due.
func (p *Processor) ProcessNext(ctx context.Context) (*Outcome, error) {
	if p.queue.IsPaused() {
		return nil, ErrPaused
	}
	job, errClaim := p.queue.Claim(ctx)
	if errClaim != nil || job == nil {
		return nil, errClaim
	}
	return p.process(ctx, job), nil
}

// ProcessPost runs postID's pending job if it is due. Scheduled triggers call it.
func (p *Processor) ProcessPost(ctx context.Context, postID uint64) (*Outcome, error) {
	if p.queue.IsPaused() {
		return nil, ErrPaused
	}
	job, errClaim := p.queue.ClaimPost(ctx, postID)
	if errClaim != nil || job == nil {
		return nil, errClaim
	}
	return p.process(ctx, job), nil
}

// ProcessDue claims up to limit due jobs and runs them concurrently, one goroutine per page.
func (p *Processor) ProcessDue(ctx context.Context, limit int) ([]*Outcome, error) {
	if p.queue.IsPaused() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}
	claimed := make([]*models.QueueJob, 0, limit)
	for len(claimed) < limit {
		if ctx.Err() != nil {
			break
		}
		job, errClaim := p.queue.Claim(ctx)
		if errClaim != nil {
			if len(claimed) == 0 {
				return nil, errClaim
			}
			p.logger.WithError(errClaim).Warn("queue: claim failed")
			break
		}
		if job == nil {
			break
		}
		claimed = append(claimed, job)
	}

	outcomes := make([]*Outcome, len(claimed))
	var wg sync.WaitGroup
	for i, job := range claimed {
		wg.Add(1)
		go func(i int, job *models.QueueJob) {
			defer wg.Done()
			outcomes[i] = p.process(ctx, job)
		}(i, job)
	}
	wg.Wait()
	return outcomes, nil
}

func (p *Processor) process(ctx context.Context, job *models.QueueJob) *Outcome {
	logger := p.logger.WithFields(log.Fields{"job_id": job.ID, "post_id": job.PostID, "attempt": job.Attempt})
	out := &Outcome{Job: *job}
	// Terminal writes must land even when the caller goes away mid-run.
	storeCtx := context.WithoutCancel(ctx)

	result, errRun := p.run(ctx, job)
	out.Result = result
	failure := failureReason(result, errRun)
	if failure == "" {
		if errComplete := p.queue.Complete(storeCtx, job.ID); errComplete != nil {
			logger.WithError(errComplete).Error("queue: failed to mark job completed")
		}
		out.Job.Status = models.QueueStatusCompleted
		jobsTotal.WithLabelValues(models.QueueStatusCompleted).Inc()
		logger.Info("queue: job completed")
		return out
	}

	out.Error = failure
	if errFail := p.queue.Fail(storeCtx, job.ID, failure); errFail != nil {
		logger.WithError(errFail).Error("queue: failed to mark job failed")
	}
	out.Job.Status = models.QueueStatusFailed
	out.Job.LastError = failure
	jobsTotal.WithLabelValues(models.QueueStatusFailed).Inc()
	logger.WithField("reason", failure).Warn("queue: job failed")

	if !retryable(result, errRun) || job.Attempt >= p.opts.MaxAttempts {
		return out
	}
	next := p.queue.now().Add(p.RetryDelay(job.Attempt))
	requeued, created, errEnqueue := p.queue.enqueueAttempt(storeCtx, job.PostID, next, job.Attempt+1)
	if errEnqueue != nil {
		logger.WithError(errEnqueue).Error("queue: failed to requeue job")
		return out
	}
	if created {
		out.Requeued = requeued
	}
	return out
}

// run resumes a previously failed page with only its failed blocks when possible.
func (p *Processor) run(ctx context.Context, job *models.QueueJob) (*bulk.Result, error) {
	if job.Attempt > 1 {
		result, errRetry := p.runner.RetryFailed(ctx, job.PostID, nil)
		switch {
		case errRetry == nil:
			return result, nil
		case errors.Is(errRetry, progress.ErrNotFound), errors.Is(errRetry, bulk.ErrNothingToRetry):
		default:
			return nil, errRetry
		}
	}
	return p.runner.Run(ctx, bulk.Request{PostID: job.PostID})
}

// RetryDelay is the exponential backoff before attempt+1 runs.
func (p *Processor) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInitial
	b.MaxInterval = p.opts.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func failureReason(result *bulk.Result, errRun error) string {
	if errRun != nil {
		return errRun.Error()
	}
	if result == nil {
		return "no result"
	}
	switch {
	case result.BudgetExceeded:
		return "monthly budget exceeded"
	case result.Cancelled:
		return "run cancelled"
	case len(result.FailedBlocks) > 0:
		names := make([]string, 0, len(result.FailedBlocks))
		for _, failed := range result.FailedBlocks {
			names = append(names, failed.BlockType)
		}
		return fmt.Sprintf("%d of %d blocks failed: %s", len(result.FailedBlocks), result.TotalBlocks, strings.Join(names, ", "))
	}
	return ""
}

// retryable is false for cancelled runs and for errors another attempt cannot fix.
func retryable(result *bulk.Result, errRun error) bool {
	switch {
	case errRun == nil:
		return result == nil || !result.Cancelled
	case errors.Is(errRun, pages.ErrNotFound), errors.Is(errRun, pages.ErrInvalidPostType):
		return false
	default:
		return true
	}
}
