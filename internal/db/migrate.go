package db

import (
	"fmt"

	"github.com/router-for-me/PageBlocks/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table used by the service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAuto := conn.AutoMigrate(
		&models.Setting{},
		&models.Page{},
		&models.Attachment{},
		&models.AttachmentTag{},
		&models.PromptTemplate{},
		&models.ModelPrice{},
		&models.GenerationLog{},
		&models.QueueJob{},
	); errAuto != nil {
		return fmt.Errorf("db: auto migrate: %w", errAuto)
	}

	// At most one pending job per post; Enqueue relies on this for idempotency.
	if errIndex := conn.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_pending_post ON queue_jobs (post_id) WHERE status = 'pending'",
	).Error; errIndex != nil {
		return fmt.Errorf("db: create pending index: %w", errIndex)
	}
	return nil
}
