package models

import "time"

// PromptTemplate overrides the built-in prompt for a block.
type PromptTemplate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	BlockType           string `gorm:"type:varchar(64);not null;uniqueIndex"` // Block identifier.
	SystemMessage       string `gorm:"type:text;not null"`                    // System role message.
	UserMessageTemplate string `gorm:"type:text;not null"`                    // User message with {placeholders}.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
