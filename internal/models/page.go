package models

import (
	"time"

	"gorm.io/datatypes"
)

// Page stores a generated marketing page and its block fields.
type Page struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PostType string `gorm:"type:varchar(64);not null;index"` // Host post type.
	Title    string `gorm:"type:text;not null"`              // Page title.
	Status   string `gorm:"type:varchar(32);not null;default:'draft'"`

	Context datatypes.JSONMap `gorm:"type:jsonb"` // Prompt context values (focus keyword, audience, ...).
	Fields  datatypes.JSONMap `gorm:"type:jsonb"` // Generated block fields keyed by block type.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
