package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/security"
)

func capabilityRouter(caps []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/pages",
		func(c *gin.Context) { c.Set(ContextCapabilities, caps); c.Next() },
		RequireCapability(security.CapabilityEditPages),
		func(c *gin.Context) { c.Status(http.StatusNoContent) },
	)
	return r
}

func TestRequireCapabilityRejectsWithInsufficientPermissions(t *testing.T) {
	rec := httptest.NewRecorder()
	capabilityRouter([]string{security.CapabilityManageQueue}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body ErrorBody
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode body: %v", errDecode)
	}
	if body.Code != CodeInsufficientPermissions {
		t.Fatalf("expected %s, got %+v", CodeInsufficientPermissions, body)
	}

	rec = httptest.NewRecorder()
	capabilityRouter([]string{security.CapabilityEditPages}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
}

func TestClassifyWrappedPermissionError(t *testing.T) {
	err := fmt.Errorf("%w: missing %s", generation.ErrInsufficientPermissions, security.CapabilityManageSettings)
	status, body := Classify(err)
	if status != http.StatusForbidden || body.Code != CodeInsufficientPermissions {
		t.Fatalf("Classify = %d %+v", status, body)
	}
	if status, _ = Classify(errors.New("boom")); status != http.StatusInternalServerError {
		t.Fatalf("unknown errors must map to 500, got %d", status)
	}
}
