package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/router-for-me/PageBlocks/internal/security"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  dsn: " + filepath.Join(dir, "pageblocks.db") + "\n" +
		"jwt:\n  secret: cli-secret\n  ttl: 1h\n" +
		"logging:\n  level: error\n"
	if errWrite := os.WriteFile(path, []byte(content), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	errExec := cmd.Execute()
	return out.String(), errExec
}

func TestVersionCommand(t *testing.T) {
	out, errExec := execute(t, "version")
	if errExec != nil {
		t.Fatalf("version: %v", errExec)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	cfgPath := writeConfig(t)
	out, errExec := execute(t, "-c", cfgPath, "token", "--user-id", "7", "--username", "ops", "--cap", "manage_queue")
	if errExec != nil {
		t.Fatalf("token: %v", errExec)
	}
	claims, errParse := security.ParseToken("cli-secret", strings.TrimSpace(out))
	if errParse != nil {
		t.Fatalf("parse issued token: %v", errParse)
	}
	if claims.UserID != 7 || !claims.Can(security.CapabilityManageQueue) || claims.Can(security.CapabilityEditPages) {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, errExec = execute(t, "-c", cfgPath, "token", "--cap", "root"); errExec == nil {
		t.Fatalf("expected unknown capability to fail")
	}
}

func TestPagesAndQueueCommands(t *testing.T) {
	cfgPath := writeConfig(t)

	out, errExec := execute(t, "-c", cfgPath, "pages", "create", "--title", "Trail Shoes", "--var", "focus_keyword=trail shoes")
	if errExec != nil {
		t.Fatalf("pages create: %v", errExec)
	}
	var page struct {
		ID uint64 `json:"ID"`
	}
	if errDecode := json.Unmarshal([]byte(out), &page); errDecode != nil || page.ID == 0 {
		t.Fatalf("decode page %q: %v", out, errDecode)
	}
	id := strconv.FormatUint(page.ID, 10)
	if out, errExec = execute(t, "-c", cfgPath, "queue", "enqueue", id, "--delay", "1h"); errExec != nil {
		t.Fatalf("queue enqueue: %v", errExec)
	}
	if !strings.Contains(out, `"created": true`) {
		t.Fatalf("expected created job, got %s", out)
	}

	if out, errExec = execute(t, "-c", cfgPath, "queue", "status"); errExec != nil {
		t.Fatalf("queue status: %v", errExec)
	}
	if !strings.Contains(out, `"paused": false`) {
		t.Fatalf("unexpected status output %s", out)
	}

	if out, errExec = execute(t, "-c", cfgPath, "queue", "remove", id); errExec != nil {
		t.Fatalf("queue remove: %v", errExec)
	}
	if !strings.Contains(out, `"removed": 1`) {
		t.Fatalf("expected one removed job, got %s", out)
	}

	if _, errExec = execute(t, "-c", cfgPath, "queue", "enqueue", "999"); errExec == nil {
		t.Fatalf("expected enqueue of missing page to fail")
	}
	if _, errExec = execute(t, "-c", cfgPath, "generate", id, "--block", "nope"); errExec == nil {
		t.Fatalf("expected unknown block type to fail")
	}
}

func TestParsePostID(t *testing.T) {
	if id, err := parsePostID("42"); err != nil || id != 42 {
		t.Fatalf("parsePostID(42) = %d, %v", id, err)
	}
	for _, raw := range []string{"0", "-1", "abc", ""} {
		if _, err := parsePostID(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
