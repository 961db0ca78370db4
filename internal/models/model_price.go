package models

import "time"

// ModelPrice defines token pricing for a model, per million tokens.
type ModelPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Model string `gorm:"type:varchar(255);not null;uniqueIndex"` // Model name as reported by the provider.

	InputPricePerMillion  float64 `gorm:"type:decimal(20,10);not null;default:0"` // Prompt token price.
	OutputPricePerMillion float64 `gorm:"type:decimal(20,10);not null;default:0"` // Completion token price.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the price overrides configuration.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
