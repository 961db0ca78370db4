package models

import (
	"time"

	"gorm.io/datatypes"
)

// Generation log statuses.
const (
	// GenerationStatusSuccess marks a generation attempt that produced parsed content.
	GenerationStatusSuccess = "success"
	// GenerationStatusFailed marks a generation attempt that failed at any stage.
	GenerationStatusFailed = "failed"
)

// GenerationLog is one append-only ledger row per generation attempt.
type GenerationLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PostID    uint64 `gorm:"not null;index"`                  // Page the attempt belongs to.
	BlockType string `gorm:"type:varchar(64);not null;index"` // Block identifier.
	Model     string `gorm:"type:text;not null;index"`        // Model reported by the provider.

	PromptTokens     int64 `gorm:"not null;default:0"` // Prompt token count.
	CompletionTokens int64 `gorm:"not null;default:0"` // Completion token count.
	TotalTokens      int64 `gorm:"not null;default:0"` // Total token count.

	CostMicros int64 `gorm:"not null;default:0"` // Cost in micros of the billing currency.

	Status          string         `gorm:"type:varchar(16);not null;index"` // success or failed.
	ErrorMessage    string         `gorm:"type:text"`                       // Human readable failure message.
	ErrorStatusCode *int           `gorm:"index"`                           // Provider HTTP status for failed calls.
	ErrorDetail     datatypes.JSON `gorm:"type:jsonb"`                      // Structured diagnostics for operators.

	UserID *uint64 `gorm:"index"` // Requesting user, empty for scheduled runs.

	CreatedAt time.Time `gorm:"not null;index"` // Attempt timestamp.
}
