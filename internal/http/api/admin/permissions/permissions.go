// Package permissions maps admin routes onto the token capability they require.
package permissions

import (
	"net/http"
	"strings"

	"github.com/router-for-me/PageBlocks/internal/security"
)

// Definition describes one protected admin route.
type Definition struct {
	Key        string
	Method     string
	Path       string
	Label      string
	Module     string
	Capability string
}

// Key builds a permission key from method and route path.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

func def(method, path, label, module, capability string) Definition {
	return Definition{
		Key:        Key(method, path),
		Method:     method,
		Path:       path,
		Label:      label,
		Module:     module,
		Capability: capability,
	}
}

var definitions = []Definition{
	def(http.MethodGet, "/v0/admin/queue", "List Queue Jobs", "Queue", security.CapabilityManageQueue),
	def(http.MethodGet, "/v0/admin/queue/status", "Queue Status", "Queue", security.CapabilityManageQueue),
	def(http.MethodPost, "/v0/admin/queue/process-next", "Process Next Job", "Queue", security.CapabilityManageQueue),
	def(http.MethodPost, "/v0/admin/queue/clear", "Clear Pending Jobs", "Queue", security.CapabilityManageQueue),
	def(http.MethodPost, "/v0/admin/queue/pause", "Pause Queue", "Queue", security.CapabilityManageQueue),
	def(http.MethodPost, "/v0/admin/queue/resume", "Resume Queue", "Queue", security.CapabilityManageQueue),
	def(http.MethodPost, "/v0/admin/queue/requeue-stuck", "Requeue Stuck Jobs", "Queue", security.CapabilityManageQueue),
	def(http.MethodDelete, "/v0/admin/queue/posts/:post_id", "Remove Page Jobs", "Queue", security.CapabilityManageQueue),

	def(http.MethodGet, "/v0/admin/costs", "Monthly Costs", "Costs", security.CapabilityManageSettings),
	def(http.MethodGet, "/v0/admin/logs", "Generation Logs", "Costs", security.CapabilityManageSettings),
	def(http.MethodPost, "/v0/admin/logs/cleanup", "Cleanup Generation Logs", "Costs", security.CapabilityManageSettings),

	def(http.MethodGet, "/v0/admin/prompts", "List Prompt Templates", "Prompts", security.CapabilityManageSettings),
	def(http.MethodGet, "/v0/admin/prompts/:block_type", "View Prompt Template", "Prompts", security.CapabilityManageSettings),
	def(http.MethodPut, "/v0/admin/prompts/:block_type", "Update Prompt Template", "Prompts", security.CapabilityManageSettings),
	def(http.MethodDelete, "/v0/admin/prompts/:block_type", "Reset Prompt Template", "Prompts", security.CapabilityManageSettings),

	def(http.MethodGet, "/v0/admin/permissions", "List Permissions", "System", security.CapabilityManageSettings),
}

// Definitions returns every admin permission definition.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// DefinitionMap returns definitions keyed by permission key.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		out[d.Key] = d
	}
	return out
}

// HasCapability reports whether capabilities satisfy the definition stored under key.
func HasCapability(capabilities []string, key string) bool {
	d, ok := DefinitionMap()[key]
	if !ok {
		return false
	}
	claims := security.UserClaims{Capabilities: capabilities}
	return claims.Can(d.Capability)
}
