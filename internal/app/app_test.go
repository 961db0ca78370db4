package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/PageBlocks/internal/config"
	"github.com/router-for-me/PageBlocks/internal/progress"
	"github.com/router-for-me/PageBlocks/internal/security"
)

func buildTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.JWT.Secret = "app-secret"
	a, errBuild := Build(context.Background(), cfg)
	if errBuild != nil {
		t.Fatalf("Build: %v", errBuild)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBuildUsesMemoryProgressWithoutRedis(t *testing.T) {
	a := buildTestApp(t)
	if _, ok := a.Progress.(*progress.MemoryStore); !ok {
		t.Fatalf("expected memory progress store, got %T", a.Progress)
	}
	names := map[string]bool{}
	for _, task := range a.maintenanceTasks() {
		names[task.Name] = true
	}
	for _, want := range []string{"settings-refresh", "ledger-cleanup", "queue-cleanup", "requeue-stuck", "progress-cleanup"} {
		if !names[want] {
			t.Fatalf("missing maintenance task %q", want)
		}
	}
}

func TestPageDeletionRemovesQueueJobs(t *testing.T) {
	ctx := context.Background()
	a := buildTestApp(t)

	page, errCreate := a.Pages.Create(ctx, "Merino Wool Socks", map[string]string{"product_name": "Merino Wool Socks"})
	if errCreate != nil {
		t.Fatalf("create page: %v", errCreate)
	}
	if _, _, errEnqueue := a.Queue.Enqueue(ctx, page.ID, time.Now().UTC().Add(time.Hour)); errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	if errDelete := a.Pages.Delete(ctx, page.ID); errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	stats, errStats := a.Queue.Stats(ctx)
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.Total != 0 {
		t.Fatalf("expected queue emptied by page deletion, got %+v", stats)
	}
}

func TestRouterRequiresTokenAndCapability(t *testing.T) {
	ctx := context.Background()
	a := buildTestApp(t)
	router := a.Router()

	page, errCreate := a.Pages.Create(ctx, "Title", nil)
	if errCreate != nil {
		t.Fatalf("create page: %v", errCreate)
	}
	path := "/v0/pages/" + strconv.FormatUint(page.ID, 10) + "/progress"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	noCaps, _ := security.GenerateToken("app-secret", 1, "viewer", nil, time.Hour)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+noCaps)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without edit_pages, got %d", rec.Code)
	}

	editor, _ := security.GenerateToken("app-secret", 1, "editor", []string{security.CapabilityEditPages}, time.Hour)
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+editor)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "progress_not_found") {
		t.Fatalf("expected progress_not_found, got %d: %s", rec.Code, rec.Body.String())
	}
}
