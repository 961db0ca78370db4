package models

import "time"

// Queue job statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// QueueJob is one scheduled page-generation run.
type QueueJob struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PostID      uint64    `gorm:"not null;index"`                  // Page to generate.
	ScheduledAt time.Time `gorm:"not null;index"`                  // Earliest processing time.
	Status      string    `gorm:"type:varchar(16);not null;index"` // Lifecycle status.
	Attempt     int       `gorm:"not null;default:1"`              // Attempt number for this post.
	LastError   string    `gorm:"type:text"`                       // Failure summary for failed jobs.

	QueuedAt   time.Time  `gorm:"not null"`       // Insert timestamp.
	StartedAt  *time.Time `gorm:"index"`          // Set when the job enters processing.
	FinishedAt *time.Time `gorm:"index"`          // Set when the job completes or fails.
	UpdatedAt  time.Time  `gorm:"not null;index"` // Last transition timestamp.
}
