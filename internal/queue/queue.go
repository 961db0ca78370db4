// Package queue is the durable page-generation queue.
//
// Jobs live one per row in queue_jobs. Every status change is a single
// conditional UPDATE on (id, expected status), so two workers can never both
// move the same job forward.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	dbpkg "github.com/router-for-me/PageBlocks/internal/db"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrStatusConflict means the job was not in the expected status when a transition was attempted.
	ErrStatusConflict = errors.New("queue: job status changed concurrently")
	ErrInvalidStatus  = errors.New("queue: invalid status filter")
)

const claimAttempts = 5

// Trigger arms a one-shot wake-up for a post's scheduled job.
type Trigger interface {
	Arm(postID uint64, at time.Time)
	Disarm(postID uint64)
}

// RunReleaser ends the progress run a stuck job left behind.
type RunReleaser interface {
	Abandon(ctx context.Context, postID uint64, staleBefore time.Time) (bool, error)
}

// Stats counts jobs per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Estimate projects when the pending backlog drains.
type Estimate struct {
	Pending        int64         `json:"pending"`
	AverageSeconds float64       `json:"average_seconds"`
	Remaining      time.Duration `json:"-"`
	CompletesAt    time.Time     `json:"completes_at"`
}

type Queue struct {
	db     *gorm.DB
	logger log.FieldLogger
	now    func() time.Time

	mu       sync.RWMutex
	trigger  Trigger
	releaser RunReleaser
}

func New(db *gorm.DB, logger log.FieldLogger) *Queue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Queue{
		db:     db,
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SetTrigger installs the trigger used to wake scheduled jobs.
func (q *Queue) SetTrigger(trigger Trigger) {
	q.mu.Lock()
	q.trigger = trigger
	q.mu.Unlock()
}

// SetRunReleaser installs the hook RequeueStuck uses to free abandoned runs.
func (q *Queue) SetRunReleaser(releaser RunReleaser) {
	q.mu.Lock()
	q.releaser = releaser
	q.mu.Unlock()
}

func (q *Queue) releaseRun(ctx context.Context, postID uint64, staleBefore time.Time) {
	q.mu.RLock()
	releaser := q.releaser
	q.mu.RUnlock()
	if releaser == nil {
		return
	}
	released, errAbandon := releaser.Abandon(ctx, postID, staleBefore)
	if errAbandon != nil {
		q.logger.WithError(errAbandon).WithField("post_id", postID).Warn("queue: failed to release abandoned run")
		return
	}
	if released {
		q.logger.WithField("post_id", postID).Warn("queue: abandoned run released")
	}
}

func (q *Queue) arm(postID uint64, at time.Time) {
	q.mu.RLock()
	trigger := q.trigger
	q.mu.RUnlock()
	if trigger != nil {
		trigger.Arm(postID, at)
	}
}

func (q *Queue) disarm(postID uint64) {
	q.mu.RLock()
	trigger := q.trigger
	q.mu.RUnlock()
	if trigger != nil {
		trigger.Disarm(postID)
	}
}

// Enqueue schedules postID. A post has at most one pending job: enqueueing it
// again returns the existing job with created=false.
func (q *Queue) Enqueue(ctx context.Context, postID uint64, scheduledAt time.Time) (*models.QueueJob, bool, error) {
	return q.enqueueAttempt(ctx, postID, scheduledAt, 1)
}

func (q *Queue) enqueueAttempt(ctx context.Context, postID uint64, scheduledAt time.Time, attempt int) (*models.QueueJob, bool, error) {
	if postID == 0 {
		return nil, false, errors.New("queue: post id is required")
	}
	now := q.now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	job := models.QueueJob{
		PostID:      postID,
		ScheduledAt: scheduledAt.UTC(),
		Status:      models.QueueStatusPending,
		Attempt:     attempt,
		QueuedAt:    now,
		UpdatedAt:   now,
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:     []clause.Column{{Name: "post_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "status = 'pending'"}}},
		DoNothing:   true,
	}).Create(&job)
	if res.Error != nil {
		return nil, false, fmt.Errorf("queue: enqueue post %d: %w", postID, res.Error)
	}
	if res.RowsAffected == 0 {
		existing, errFind := q.pendingJob(ctx, postID)
		if errFind != nil {
			return nil, false, errFind
		}
		return existing, false, nil
	}
	q.arm(postID, job.ScheduledAt)
	q.logger.WithFields(log.Fields{"post_id": postID, "scheduled_at": job.ScheduledAt, "attempt": attempt}).Info("queue: job enqueued")
	return &job, true, nil
}

func (q *Queue) pendingJob(ctx context.Context, postID uint64) (*models.QueueJob, error) {
	var job models.QueueJob
	errFind := q.db.WithContext(ctx).
		Where("post_id = ? AND status = ?", postID, models.QueueStatusPending).
		Take(&job).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("queue: load pending job: %w", errFind)
	}
	return &job, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id uint64) (*models.QueueJob, error) {
	var job models.QueueJob
	errFind := q.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("queue: load job: %w", errFind)
	}
	return &job, nil
}

// List returns jobs ordered by schedule, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string) ([]models.QueueJob, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	query := q.db.WithContext(ctx).Model(&models.QueueJob{})
	if status != "" {
		if !validStatus(status) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
		}
		query = query.Where("status = ?", status)
	}
	var jobs []models.QueueJob
	if errFind := query.Order("scheduled_at ASC").Order("id ASC").Find(&jobs).Error; errFind != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", errFind)
	}
	return jobs, nil
}

func validStatus(status string) bool {
	switch status {
	case models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusCompleted, models.QueueStatusFailed:
		return true
	default:
		return false
	}
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if errScan := q.db.WithContext(ctx).Model(&models.QueueJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; errScan != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", errScan)
	}
	var stats Stats
	for _, row := range rows {
		switch row.Status {
		case models.QueueStatusPending:
			stats.Pending = row.Count
		case models.QueueStatusProcessing:
			stats.Processing = row.Count
		case models.QueueStatusCompleted:
			stats.Completed = row.Count
		case models.QueueStatusFailed:
			stats.Failed = row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return settings.Put(ctx, q.db, settings.QueuePausedKey, true)
}

func (q *Queue) Resume(ctx context.Context) error {
	return settings.Put(ctx, q.db, settings.QueuePausedKey, false)
}

// IsPaused reads the pause flag from the settings snapshot.
func (q *Queue) IsPaused() bool {
	paused, ok := settings.Bool(settings.QueuePausedKey)
	return ok && paused
}

// RemoveJob deletes every job of postID and cancels its scheduled trigger.
func (q *Queue) RemoveJob(ctx context.Context, postID uint64) (int64, error) {
	res := q.db.WithContext(ctx).Where("post_id = ?", postID).Delete(&models.QueueJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: remove jobs for post %d: %w", postID, res.Error)
	}
	q.disarm(postID)
	if res.RowsAffected > 0 {
		q.logger.WithFields(log.Fields{"post_id": postID, "removed": res.RowsAffected}).Info("queue: jobs removed")
	}
	return res.RowsAffected, nil
}

// Clear removes every pending job.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	var postIDs []uint64
	if errPluck := q.db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("status = ?", models.QueueStatusPending).
		Pluck("post_id", &postIDs).Error; errPluck != nil {
		return 0, fmt.Errorf("queue: list pending jobs: %w", errPluck)
	}
	res := q.db.WithContext(ctx).Where("status = ?", models.QueueStatusPending).Delete(&models.QueueJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: clear pending jobs: %w", res.Error)
	}
	for _, postID := range postIDs {
		q.disarm(postID)
	}
	return res.RowsAffected, nil
}

// CleanupOldJobs deletes completed and failed jobs older than maxAgeDays.
func (q *Queue) CleanupOldJobs(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = settings.DefaultQueueRetentionDays
	}
	cutoff := q.now().AddDate(0, 0, -maxAgeDays)
	res := q.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{models.QueueStatusCompleted, models.QueueStatusFailed}, cutoff).
		Delete(&models.QueueJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: cleanup old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EstimatedCompletion multiplies the pending count by the average duration of
// completed jobs. It returns nil when nothing is pending or no duration is known.
func (q *Queue) EstimatedCompletion(ctx context.Context) (*Estimate, error) {
	var pending int64
	if errCount := q.db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("status = ?", models.QueueStatusPending).
		Count(&pending).Error; errCount != nil {
		return nil, fmt.Errorf("queue: count pending: %w", errCount)
	}
	if pending == 0 {
		return nil, nil
	}
	var avg struct{ Seconds *float64 }
	expr := dbpkg.DurationSecondsExpr(q.db, "started_at", "finished_at")
	if errScan := q.db.WithContext(ctx).Model(&models.QueueJob{}).
		Select("AVG("+expr+") AS seconds").
		Where("status = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL", models.QueueStatusCompleted).
		Scan(&avg).Error; errScan != nil {
		return nil, fmt.Errorf("queue: average duration: %w", errScan)
	}
	if avg.Seconds == nil || *avg.Seconds <= 0 {
		return nil, nil
	}
	remaining := time.Duration(*avg.Seconds * float64(pending) * float64(time.Second))
	return &Estimate{
		Pending:        pending,
		AverageSeconds: *avg.Seconds,
		Remaining:      remaining,
		CompletesAt:    q.now().Add(remaining),
	}, nil
}

// Claim moves the oldest due pending job to processing. It returns nil when no
// job is due.
func (q *Queue) Claim(ctx context.Context) (*models.QueueJob, error) {
	return q.claim(ctx, 0)
}

// ClaimPost claims the pending job of postID if it is due.
func (q *Queue) ClaimPost(ctx context.Context, postID uint64) (*models.QueueJob, error) {
	return q.claim(ctx, postID)
}

func (q *Queue) claim(ctx context.Context, postID uint64) (*models.QueueJob, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := q.now()
		query := q.db.WithContext(ctx).
			Where("status = ? AND scheduled_at <= ?", models.QueueStatusPending, now)
		if postID != 0 {
			query = query.Where("post_id = ?", postID)
		}
		var job models.QueueJob
		errFind := query.Order("scheduled_at ASC").Order("id ASC").Take(&job).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if errFind != nil {
			return nil, fmt.Errorf("queue: find due job: %w", errFind)
		}

		errTransition := q.transition(ctx, job.ID, models.QueueStatusPending, map[string]any{
			"status":     models.QueueStatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
		if errors.Is(errTransition, ErrStatusConflict) {
			continue
		}
		if errTransition != nil {
			return nil, errTransition
		}
		job.Status = models.QueueStatusProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		return &job, nil
	}
	return nil, nil
}

func (q *Queue) Complete(ctx context.Context, id uint64) error {
	now := q.now()
	return q.transition(ctx, id, models.QueueStatusProcessing, map[string]any{
		"status":      models.QueueStatusCompleted,
		"finished_at": now,
		"updated_at":  now,
		"last_error":  "",
	})
}

func (q *Queue) Fail(ctx context.Context, id uint64, reason string) error {
	now := q.now()
	return q.transition(ctx, id, models.QueueStatusProcessing, map[string]any{
		"status":      models.QueueStatusFailed,
		"finished_at": now,
		"updated_at":  now,
		"last_error":  reason,
	})
}

func (q *Queue) transition(ctx context.Context, id uint64, from string, updates map[string]any) error {
	res := q.db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: update job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RequeueStuck returns processing jobs started before olderThan ago to pending.
// A stuck job whose post already has a pending job is failed instead.
func (q *Queue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)
	var stuck []models.QueueJob
	if errFind := q.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.QueueStatusProcessing, cutoff).
		Find(&stuck).Error; errFind != nil {
		return 0, fmt.Errorf("queue: find stuck jobs: %w", errFind)
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].ID < stuck[j].ID })

	var requeued int64
	for _, job := range stuck {
		_, errPending := q.pendingJob(ctx, job.PostID)
		switch {
		case errPending == nil:
			if errFail := q.Fail(ctx, job.ID, "stuck in processing; superseded by a newer pending job"); errFail != nil && !errors.Is(errFail, ErrStatusConflict) {
				return requeued, errFail
			}
			q.releaseRun(ctx, job.PostID, cutoff)
			continue
		case !errors.Is(errPending, ErrJobNotFound):
			return requeued, errPending
		}

		errTransition := q.transition(ctx, job.ID, models.QueueStatusProcessing, map[string]any{
			"status":       models.QueueStatusPending,
			"started_at":   nil,
			"scheduled_at": now,
			"updated_at":   now,
		})
		if errors.Is(errTransition, ErrStatusConflict) {
			continue
		}
		if errTransition != nil {
			return requeued, errTransition
		}
		q.releaseRun(ctx, job.PostID, cutoff)
		requeued++
		q.arm(job.PostID, now)
		q.logger.WithFields(log.Fields{"post_id": job.PostID, "job_id": job.ID}).Warn("queue: stuck job requeued")
	}
	return requeued, nil
}
