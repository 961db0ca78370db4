package pages

import (
	"context"
	"errors"
	"testing"

	dbpkg "github.com/router-for-me/PageBlocks/internal/db"
	"github.com/router-for-me/PageBlocks/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return NewStore(conn, "seo_page")
}

func TestGetValidatesPostType(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	other := models.Page{PostType: "post", Title: "Blog"}
	if err := store.db.Create(&other).Error; err != nil {
		t.Fatalf("create other: %v", err)
	}
	if _, err := store.Get(ctx, other.ID); !errors.Is(err, ErrInvalidPostType) {
		t.Fatalf("expected ErrInvalidPostType, got %v", err)
	}
}

func TestContextAndSaveFields(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	page, err := store.Create(ctx, "Best Wool Socks", map[string]string{"focus_keyword": "wool socks"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	vars, err := store.Context(ctx, page.ID)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if vars["page_title"] != "Best Wool Socks" || vars["focus_keyword"] != "wool socks" || vars["post_id"] == "" {
		t.Fatalf("unexpected context: %v", vars)
	}

	if err := store.SaveBlockFields(ctx, page.ID, "hero", map[string]any{"headline": "Warm feet"}); err != nil {
		t.Fatalf("save hero: %v", err)
	}
	if err := store.SaveBlockFields(ctx, page.ID, "cta", map[string]any{"heading": "Shop now"}); err != nil {
		t.Fatalf("save cta: %v", err)
	}
	loaded, err := store.Get(ctx, page.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	hero, ok := loaded.Fields["hero"].(map[string]any)
	if !ok || hero["headline"] != "Warm feet" {
		t.Fatalf("hero fields not stored: %v", loaded.Fields)
	}
	if _, ok := loaded.Fields["cta"]; !ok {
		t.Fatalf("cta fields not stored: %v", loaded.Fields)
	}

	if err := store.SaveBlockFields(ctx, 999, "hero", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing page, got %v", err)
	}
}

func TestDeleteRunsHooks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	page, _ := store.Create(ctx, "Temp", nil)

	var hooked uint64
	store.OnDelete(func(ctx context.Context, postID uint64) error {
		hooked = postID
		return nil
	})
	if err := store.Delete(ctx, page.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hooked != page.ID {
		t.Fatalf("hook not called with page id")
	}
	if _, err := store.Get(ctx, page.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("page should be gone, got %v", err)
	}
}
