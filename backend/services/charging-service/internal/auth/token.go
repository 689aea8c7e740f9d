// Package auth issues and validates the HS256 bearer tokens used by the HTTP
// API and the relay handshake.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens.
const (
	RoleUser   = "user"
	RoleDevice = "device"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims represents the JWT payload. ChargerID is set on device tokens.
type Claims struct {
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
	ChargerID int64  `json:"charger_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

// NewTokenService returns a configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn}
}

// GenerateToken issues a user token.
func (t *TokenService) GenerateToken(userID int64, role string) (string, error) {
	if userID == 0 {
		return "", errors.New("auth: user id is required")
	}
	return t.sign(Claims{UserID: userID, Role: role})
}

// GenerateDeviceToken issues a token for a charger's publisher connection.
func (t *TokenService) GenerateDeviceToken(chargerID int64) (string, error) {
	if chargerID == 0 {
		return "", errors.New("auth: charger id is required")
	}
	return t.sign(Claims{Role: RoleDevice, ChargerID: chargerID})
}

func (t *TokenService) sign(claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies and decodes a JWT. The token must identify a
// principal: a user id or a charger id.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 && claims.ChargerID == 0 {
		return nil, fmt.Errorf("%w: no principal", ErrInvalidToken)
	}
	return claims, nil
}
