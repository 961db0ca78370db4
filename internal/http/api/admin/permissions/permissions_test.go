package permissions

import (
	"testing"

	"github.com/router-for-me/PageBlocks/internal/security"
)

func TestDefinitionMapIncludesQueuePermissions(t *testing.T) {
	t.Parallel()

	definitionMap := DefinitionMap()
	requiredKeys := []string{
		"GET /v0/admin/queue",
		"GET /v0/admin/queue/status",
		"POST /v0/admin/queue/process-next",
		"POST /v0/admin/queue/requeue-stuck",
	}

	for _, key := range requiredKeys {
		key := key
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			d, ok := definitionMap[key]
			if !ok {
				t.Fatalf("DefinitionMap() missing permission key %q", key)
			}
			if d.Capability != security.CapabilityManageQueue {
				t.Fatalf("expected %q to require manage_queue, got %q", key, d.Capability)
			}
		})
	}
}

func TestDefinitionsUseKnownCapabilities(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, d := range Definitions() {
		if !security.ValidCapability(d.Capability) {
			t.Fatalf("%s uses unknown capability %q", d.Key, d.Capability)
		}
		if seen[d.Key] {
			t.Fatalf("duplicate permission key %q", d.Key)
		}
		seen[d.Key] = true
	}
}

func TestHasCapability(t *testing.T) {
	t.Parallel()

	if !HasCapability([]string{"MANAGE_SETTINGS"}, "GET /v0/admin/costs") {
		t.Fatalf("capability match should ignore case")
	}
	if HasCapability([]string{security.CapabilityManageQueue}, "GET /v0/admin/costs") {
		t.Fatalf("manage_queue must not grant costs")
	}
	if HasCapability(security.AllCapabilities(), "GET /v0/admin/unknown") {
		t.Fatalf("unknown routes must be denied")
	}
}
