// Package pages stores marketing pages and their generated block fields.
package pages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/router-for-me/PageBlocks/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a page id does not exist.
	ErrNotFound = errors.New("pages: post not found")
	// ErrInvalidPostType is returned when a page is not of the managed post type.
	ErrInvalidPostType = errors.New("pages: invalid post type")
)

// DeleteHook runs before a page row is removed.
type DeleteHook func(ctx context.Context, postID uint64) error

// Store is the page collaborator backed by the pages table.
type Store struct {
	db       *gorm.DB
	postType string

	mu    sync.RWMutex
	hooks []DeleteHook
}

// NewStore builds a Store that manages pages of postType.
func NewStore(db *gorm.DB, postType string) *Store {
	postType = strings.TrimSpace(postType)
	if postType == "" {
		postType = "seo_page"
	}
	return &Store{db: db, postType: postType}
}

// PostType returns the managed post type.
func (s *Store) PostType() string { return s.postType }

// OnDelete registers a hook run before deletion.
func (s *Store) OnDelete(hook DeleteHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Create inserts a page of the managed post type.
func (s *Store) Create(ctx context.Context, title string, vars map[string]string) (*models.Page, error) {
	page := models.Page{
		PostType: s.postType,
		Title:    strings.TrimSpace(title),
		Status:   "draft",
		Context:  datatypes.JSONMap{},
		Fields:   datatypes.JSONMap{},
	}
	for k, v := range vars {
		page.Context[k] = v
	}
	if errCreate := s.db.WithContext(ctx).Create(&page).Error; errCreate != nil {
		return nil, fmt.Errorf("pages: create: %w", errCreate)
	}
	return &page, nil
}

// Get loads a page and checks its post type.
func (s *Store) Get(ctx context.Context, postID uint64) (*models.Page, error) {
	var page models.Page
	errFind := s.db.WithContext(ctx).Take(&page, postID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("pages: load %d: %w", postID, errFind)
	}
	if page.PostType != s.postType {
		return nil, ErrInvalidPostType
	}
	return &page, nil
}

// Context returns the prompt variables for a page.
func (s *Store) Context(ctx context.Context, postID uint64) (map[string]string, error) {
	page, errGet := s.Get(ctx, postID)
	if errGet != nil {
		return nil, errGet
	}
	return PromptContext(page), nil
}

// PromptContext flattens stored context values to strings and adds page_title and post_id.
func PromptContext(page *models.Page) map[string]string {
	out := make(map[string]string, len(page.Context)+2)
	for k, v := range page.Context {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	if _, ok := out["page_title"]; !ok {
		out["page_title"] = page.Title
	}
	out["post_id"] = strconv.FormatUint(page.ID, 10)
	return out
}

// SaveBlockFields stores generated fields under the block's key.
func (s *Store) SaveBlockFields(ctx context.Context, postID uint64, blockType string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page models.Page
		errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&page, postID).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if errFind != nil {
			return fmt.Errorf("pages: load %d: %w", postID, errFind)
		}
		if page.Fields == nil {
			page.Fields = datatypes.JSONMap{}
		}
		page.Fields[blockType] = fields
		if errSave := tx.Model(&page).Update("fields", page.Fields).Error; errSave != nil {
			return fmt.Errorf("pages: save %s fields: %w", blockType, errSave)
		}
		return nil
	})
}

// Delete runs the delete hooks, then removes the page.
func (s *Store) Delete(ctx context.Context, postID uint64) error {
	if _, errGet := s.Get(ctx, postID); errGet != nil {
		return errGet
	}
	s.mu.RLock()
	hooks := append([]DeleteHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		if errHook := hook(ctx, postID); errHook != nil {
			log.WithError(errHook).WithField("post_id", postID).Warn("pages: delete hook failed")
		}
	}
	if errDelete := s.db.WithContext(ctx).Delete(&models.Page{}, postID).Error; errDelete != nil {
		return fmt.Errorf("pages: delete %d: %w", postID, errDelete)
	}
	return nil
}
