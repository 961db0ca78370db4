package models

import "time"

// Attachment is a media library item.
type Attachment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Title    string `gorm:"type:text"`                        // Display title.
	URL      string `gorm:"type:text;not null"`               // Public URL.
	MimeType string `gorm:"type:varchar(128);not null;index"` // MIME type.
	AltText  string `gorm:"type:text"`                        // Alternative text.

	Tags []AttachmentTag `gorm:"foreignKey:AttachmentID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// AttachmentTag links a normalized tag to an attachment.
type AttachmentTag struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AttachmentID uint64 `gorm:"not null;index;uniqueIndex:idx_attachment_tag"`                   // Owning attachment.
	Tag          string `gorm:"type:varchar(128);not null;index;uniqueIndex:idx_attachment_tag"` // Lowercase tag.
}
