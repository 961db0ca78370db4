package admin

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	permissions "github.com/router-for-me/PageBlocks/internal/http/api/admin/permissions"
)

// adminPermissionMiddleware enforces the capability declared for each admin route.
// Routes without a definition are denied.
func adminPermissionMiddleware() gin.HandlerFunc {
	permissionMap := permissions.DefinitionMap()

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			api.Fail(c, fmt.Errorf("%w: unmatched route", generation.ErrInsufficientPermissions))
			return
		}

		key := permissions.Key(c.Request.Method, path)
		if _, ok := permissionMap[key]; !ok {
			api.Fail(c, fmt.Errorf("%w: no permission defined for %s", generation.ErrInsufficientPermissions, key))
			return
		}

		if !permissions.HasCapability(api.Capabilities(c), key) {
			api.Fail(c, fmt.Errorf("%w: %s", generation.ErrInsufficientPermissions, key))
			return
		}

		c.Next()
	}
}
