package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, err := svc.GenerateToken(42, RoleUser)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != 42 || claims.Role != RoleUser {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestDeviceToken(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, err := svc.GenerateDeviceToken(9)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ChargerID != 9 || claims.Role != RoleDevice {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	other := NewTokenService("other", time.Minute)
	foreign, _ := other.GenerateToken(1, RoleUser)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredStr, _ := expired.SignedString([]byte("secret"))

	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleUser})
	anonymousStr, _ := anonymous.SignedString([]byte("secret"))

	for name, token := range map[string]string{
		"garbage":   "not-a-token",
		"foreign":   foreign,
		"expired":   expiredStr,
		"anonymous": anonymousStr,
	} {
		if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestGenerateRequiresPrincipal(t *testing.T) {
	svc := NewTokenService("secret", 0)
	if _, err := svc.GenerateToken(0, RoleUser); err == nil {
		t.Fatal("expected error for zero user id")
	}
	if _, err := svc.GenerateDeviceToken(0); err == nil {
		t.Fatal("expected error for zero charger id")
	}
}
