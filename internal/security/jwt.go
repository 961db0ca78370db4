package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrEmptySecret indicates the signing secret is not configured.
	ErrEmptySecret = errors.New("jwt secret is empty")
)

// Capabilities carried in tokens.
const (
	// CapabilityEditPages allows generating blocks and queueing pages.
	CapabilityEditPages = "edit_pages"
	// CapabilityManageQueue allows queue administration.
	CapabilityManageQueue = "manage_queue"
	// CapabilityManageSettings allows cost, log and prompt administration.
	CapabilityManageSettings = "manage_settings"
)

// AllCapabilities lists every known capability.
func AllCapabilities() []string {
	return []string{CapabilityEditPages, CapabilityManageQueue, CapabilityManageSettings}
}

// ValidCapability reports whether name is a known capability.
func ValidCapability(name string) bool {
	for _, capability := range AllCapabilities() {
		if capability == name {
			return true
		}
	}
	return false
}

// UserClaims defines JWT claims for API callers.
type UserClaims struct {
	UserID       uint64   `json:"user_id"`
	Username     string   `json:"username"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// Can reports whether the claims grant capability.
func (c *UserClaims) Can(capability string) bool {
	if c == nil {
		return false
	}
	for _, granted := range c.Capabilities {
		if strings.EqualFold(granted, capability) {
			return true
		}
	}
	return false
}

// GenerateToken signs a JWT with the configured expiry.
func GenerateToken(secret string, userID uint64, username string, capabilities []string, expiry time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	now := time.Now().UTC()
	claims := UserClaims{
		UserID:       userID,
		Username:     username,
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates a JWT and returns its claims.
func ParseToken(secret string, tokenString string) (*UserClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
