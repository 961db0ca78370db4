package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/security"
)

// Context keys set by the access middleware.
const (
	ContextUserID       = "userID"
	ContextUsername     = "username"
	ContextCapabilities = "capabilities"
)

// UserID extracts the caller's user ID from gin context.
func UserID(c *gin.Context) uint64 {
	val, exists := c.Get(ContextUserID)
	if !exists {
		return 0
	}
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}

// UserIDPtr returns the caller ID for ledger attribution, or nil when anonymous.
func UserIDPtr(c *gin.Context) *uint64 {
	id := UserID(c)
	if id == 0 {
		return nil
	}
	return &id
}

// Capabilities returns the capabilities granted to the caller.
func Capabilities(c *gin.Context) []string {
	val, ok := c.Get(ContextCapabilities)
	if !ok {
		return nil
	}
	caps, _ := val.([]string)
	return caps
}

// HasCapability reports whether the caller holds capability.
func HasCapability(c *gin.Context, capability string) bool {
	claims := security.UserClaims{Capabilities: Capabilities(c)}
	return claims.Can(capability)
}

// RequireCapability rejects callers without capability.
func RequireCapability(capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasCapability(c, capability) {
			Fail(c, fmt.Errorf("%w: missing %s", generation.ErrInsufficientPermissions, capability))
			return
		}
		c.Next()
	}
}

// PostID parses the :post_id path parameter.
func PostID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(c.Param("post_id"), 10, 64)
	if errParse != nil || id == 0 {
		Abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid post id")
		return 0, false
	}
	return id, true
}
