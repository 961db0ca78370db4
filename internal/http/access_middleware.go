package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/security"
	log "github.com/sirupsen/logrus"
)

// AccessAuthMiddleware validates bearer JWTs and injects the caller identity.
func AccessAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			api.Abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "missing authorization header")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			api.Abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid authorization format")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			api.Abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "empty token")
			return
		}

		claims, errJWT := security.ParseToken(secret, token)
		switch {
		case errJWT == nil:
		case errors.Is(errJWT, security.ErrExpiredToken):
			api.Abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "token expired")
			return
		case errors.Is(errJWT, security.ErrEmptySecret):
			log.WithError(errJWT).Error("access auth middleware misconfigured")
			api.Abort(c, http.StatusInternalServerError, api.CodeInternal, "Authentication service error")
			return
		default:
			api.Abort(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid token")
			return
		}

		c.Set(api.ContextUserID, claims.UserID)
		c.Set(api.ContextUsername, claims.Username)
		c.Set(api.ContextCapabilities, claims.Capabilities)
		c.Next()
	}
}

// RequestLogger logs one line per request with logrus.
func RequestLogger(logger log.FieldLogger) gin.HandlerFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		entry := logger.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   path,
			"status": c.Writer.Status(),
		})
		if userID, ok := c.Get(api.ContextUserID); ok {
			entry = entry.WithField("user_id", userID)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warn("http: request failed")
		default:
			entry.Debug("http: request served")
		}
	}
}
