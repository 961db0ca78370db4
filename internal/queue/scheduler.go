package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/router-for-me/PageBlocks/internal/models"
	log "github.com/sirupsen/logrus"
)

const defaultProcessSchedule = "@every 1m"

// Task is a named cron entry run next to queue processing.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type SchedulerOptions struct {
	// ProcessSchedule is the cron spec for draining due jobs.
	ProcessSchedule string
	BatchSize       int
	Tasks           []Task
}

type stopper interface{ Stop() bool }

// Scheduler owns the cron entries and the per-post wake-up timers.
type Scheduler struct {
	queue     *Queue
	processor *Processor
	opts      SchedulerOptions
	logger    log.FieldLogger
	cron      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	timers  map[uint64]stopper
	running bool

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

func NewScheduler(queue *Queue, processor *Processor, opts SchedulerOptions, logger log.FieldLogger) *Scheduler {
	if strings.TrimSpace(opts.ProcessSchedule) == "" {
		opts.ProcessSchedule = defaultProcessSchedule
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cronLogger := cron.PrintfLogger(logger)
	s := &Scheduler{
		queue:     queue,
		processor: processor,
		opts:      opts,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		timers: make(map[uint64]stopper),
		now: func() time.Time {
			return time.Now().UTC()
		},
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	queue.SetTrigger(s)
	return s
}

// Start registers the cron entries, arms timers for pending jobs and runs until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("queue: scheduler already running")
	}
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()

	if _, errAdd := s.cron.AddFunc(s.opts.ProcessSchedule, func() { s.processDue(ctx) }); errAdd != nil {
		s.Stop()
		return fmt.Errorf("queue: schedule processing %q: %w", s.opts.ProcessSchedule, errAdd)
	}
	for _, task := range s.opts.Tasks {
		task := task
		if _, errAdd := s.cron.AddFunc(task.Spec, func() {
			if errRun := task.Run(ctx); errRun != nil {
				s.logger.WithError(errRun).WithField("task", task.Name).Warn("queue: scheduled task failed")
			}
		}); errAdd != nil {
			s.Stop()
			return fmt.Errorf("queue: schedule task %s %q: %w", task.Name, task.Spec, errAdd)
		}
	}

	pending, errList := s.queue.List(ctx, models.QueueStatusPending)
	if errList != nil {
		s.logger.WithError(errList).Warn("queue: failed to arm pending jobs")
	}
	for _, job := range pending {
		s.Arm(job.PostID, job.ScheduledAt)
	}

	s.cron.Start()
	s.logger.WithFields(log.Fields{"schedule": s.opts.ProcessSchedule, "tasks": len(s.opts.Tasks), "armed": len(pending)}).Info("queue: scheduler started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts cron and every armed timer. It waits for running cron jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for postID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, postID)
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Arm schedules a ProcessPost call for postID at at, replacing any earlier timer.
func (s *Scheduler) Arm(postID uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if existing, ok := s.timers[postID]; ok {
		existing.Stop()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	ctx := s.ctx
	var timer stopper
	timer = s.afterFunc(delay, func() {
		s.mu.Lock()
		if current, ok := s.timers[postID]; ok && current == timer {
			delete(s.timers, postID)
		}
		s.mu.Unlock()
		s.fire(ctx, postID)
	})
	s.timers[postID] = timer
}

func (s *Scheduler) Disarm(postID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[postID]; ok {
		timer.Stop()
		delete(s.timers, postID)
	}
}

// Armed reports whether postID has a pending wake-up.
func (s *Scheduler) Armed(postID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[postID]
	return ok
}

func (s *Scheduler) fire(ctx context.Context, postID uint64) {
	if ctx.Err() != nil {
		return
	}
	out, errProcess := s.processor.ProcessPost(ctx, postID)
	switch {
	case errors.Is(errProcess, ErrPaused):
		s.logger.WithField("post_id", postID).Debug("queue: trigger skipped while paused")
	case errProcess != nil:
		s.logger.WithError(errProcess).WithField("post_id", postID).Warn("queue: scheduled processing failed")
	case out != nil:
		s.logger.WithFields(log.Fields{"post_id": postID, "status": out.Job.Status}).Info("queue: scheduled job processed")
	}
}

func (s *Scheduler) processDue(ctx context.Context) {
	outcomes, errProcess := s.processor.ProcessDue(ctx, s.opts.BatchSize)
	if errProcess != nil {
		s.logger.WithError(errProcess).Warn("queue: processing due jobs failed")
		return
	}
	if len(outcomes) > 0 {
		s.logger.WithField("jobs", len(outcomes)).Info("queue: processed due jobs")
	}
}
