package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	dbpkg "github.com/router-for-me/PageBlocks/internal/db"
)

func TestParseHelpers(t *testing.T) {
	if n, ok := ParseInt(json.RawMessage(`"14"`)); !ok || n != 14 {
		t.Fatalf("ParseInt string = %d %v", n, ok)
	}
	if _, ok := ParseInt(json.RawMessage(`1.5`)); ok {
		t.Fatalf("ParseInt accepted fractional value")
	}
	if f, ok := ParseFloat(json.RawMessage(`10.25`)); !ok || f != 10.25 {
		t.Fatalf("ParseFloat = %v %v", f, ok)
	}
	if b, ok := ParseBool(json.RawMessage(`"true"`)); !ok || !b {
		t.Fatalf("ParseBool string = %v %v", b, ok)
	}
	if b, ok := ParseBool(json.RawMessage(`0`)); !ok || b {
		t.Fatalf("ParseBool zero = %v %v", b, ok)
	}
}

func TestPutRefreshesSnapshot(t *testing.T) {
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	ctx := context.Background()
	if errPut := Put(ctx, conn, QueuePausedKey, true); errPut != nil {
		t.Fatalf("put: %v", errPut)
	}
	if paused, ok := Bool(QueuePausedKey); !ok || !paused {
		t.Fatalf("expected paused=true, got %v %v", paused, ok)
	}
	if errPut := Put(ctx, conn, QueuePausedKey, false); errPut != nil {
		t.Fatalf("put again: %v", errPut)
	}
	if paused, ok := Bool(QueuePausedKey); !ok || paused {
		t.Fatalf("expected paused=false, got %v %v", paused, ok)
	}

	var count int64
	if errCount := conn.Table("settings").Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one settings row, got %d", count)
	}
}
