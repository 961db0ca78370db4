// Package media selects tagged images for blocks that carry an image field.
package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/models"
	"gorm.io/gorm"
)

// Match is the selected attachment.
type Match struct {
	AttachmentID uint64 `json:"attachment_id"`
	URL          string `json:"url"`
	AltText      string `json:"alt_text,omitempty"`
	Score        int    `json:"score"`
}

// Matcher queries the attachment tag index.
type Matcher struct {
	db *gorm.DB
}

// NewMatcher builds a Matcher.
func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// FindMatchingImage returns the image attachment sharing the most tags with keywords,
// or nil when nothing matches. Ties go to the oldest attachment.
func (m *Matcher) FindMatchingImage(ctx context.Context, keywords []string) (*Match, error) {
	if m == nil || m.db == nil || len(keywords) == 0 {
		return nil, nil
	}

	var row struct {
		AttachmentID uint64
		Score        int
	}
	errScan := m.db.WithContext(ctx).
		Table("attachment_tags").
		Select("attachment_tags.attachment_id AS attachment_id, COUNT(*) AS score").
		Joins("JOIN attachments ON attachments.id = attachment_tags.attachment_id").
		Where("attachment_tags.tag IN ?", keywords).
		Where("attachments.mime_type LIKE ?", "image/%").
		Group("attachment_tags.attachment_id").
		Order("score DESC, attachment_tags.attachment_id ASC").
		Limit(1).
		Take(&row).Error
	if errors.Is(errScan, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errScan != nil {
		return nil, fmt.Errorf("media: match: %w", errScan)
	}

	var attachment models.Attachment
	if errFind := m.db.WithContext(ctx).Take(&attachment, row.AttachmentID).Error; errFind != nil {
		return nil, fmt.Errorf("media: load attachment %d: %w", row.AttachmentID, errFind)
	}
	return &Match{AttachmentID: attachment.ID, URL: attachment.URL, AltText: attachment.AltText, Score: row.Score}, nil
}

// AddAttachment stores an attachment with normalized tags.
func (m *Matcher) AddAttachment(ctx context.Context, attachment models.Attachment, tags ...string) (models.Attachment, error) {
	seen := map[string]struct{}{}
	attachment.Tags = nil
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		attachment.Tags = append(attachment.Tags, models.AttachmentTag{Tag: tag})
	}
	if errCreate := m.db.WithContext(ctx).Create(&attachment).Error; errCreate != nil {
		return models.Attachment{}, fmt.Errorf("media: create attachment: %w", errCreate)
	}
	return attachment, nil
}

// Keywords derives lowercase match keywords from the block's keyword context keys.
// Each value contributes the full phrase and its individual words of three or more letters.
func Keywords(def blocks.Definition, vars map[string]string) []string {
	set := map[string]struct{}{}
	for _, key := range def.ImageKeywordKeys {
		value := strings.ToLower(strings.TrimSpace(vars[key]))
		if value == "" {
			continue
		}
		set[value] = struct{}{}
		for _, word := range strings.FieldsFunc(value, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len([]rune(word)) >= 3 {
				set[word] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
