package security

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, errToken := GenerateToken("secret", 9, "editor", []string{CapabilityEditPages}, time.Hour)
	if errToken != nil {
		t.Fatalf("GenerateToken: %v", errToken)
	}
	claims, errParse := ParseToken("secret", token)
	if errParse != nil {
		t.Fatalf("ParseToken: %v", errParse)
	}
	if claims.UserID != 9 || claims.Username != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Can(CapabilityEditPages) || claims.Can(CapabilityManageQueue) {
		t.Fatalf("unexpected capabilities: %v", claims.Capabilities)
	}
}

func TestParseTokenErrors(t *testing.T) {
	expired, errToken := GenerateToken("secret", 1, "editor", nil, -time.Minute)
	if errToken != nil {
		t.Fatalf("GenerateToken: %v", errToken)
	}
	if _, errParse := ParseToken("secret", expired); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}

	valid, _ := GenerateToken("secret", 1, "editor", nil, time.Hour)
	if _, errParse := ParseToken("other", valid); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", errParse)
	}
	if _, errParse := ParseToken("secret", "garbage"); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", errParse)
	}
	if _, errParse := ParseToken(" ", valid); !errors.Is(errParse, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", errParse)
	}
	if _, errGen := GenerateToken("", 1, "editor", nil, time.Hour); !errors.Is(errGen, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", errGen)
	}
}

func TestValidCapability(t *testing.T) {
	for _, capability := range AllCapabilities() {
		if !ValidCapability(capability) {
			t.Fatalf("%q should be valid", capability)
		}
	}
	if ValidCapability("root") {
		t.Fatalf("unknown capability accepted")
	}
}
