package jwt

import (
	"errors"
	"fmt"
	"time"

	"authcore/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	purposeAccess  = "access"
	purposeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// NewAccessToken mints the short-lived self-verifying session credential.
func NewAccessToken(user models.User, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"sub":     user.ID.String(),
		"email":   user.Email,
		"role":    string(user.Role),
		"purpose": purposeAccess,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// NewRefreshToken mints a signed refresh credential with a random jti.
// The jti makes every issued token a distinct raw secret; the stateful
// side is tracked by the session manager via the token hash.
func NewRefreshToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"jti":     uuid.NewString(),
		"purpose": purposeRefresh,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// VerifyRefreshToken is the wire-level check done before any storage
// round-trip: signature, purpose and expiry of the presented token.
func VerifyRefreshToken(tokenStr, secret string) error {
	const op = "jwt.VerifyRefreshToken"

	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%s: unexpected signing method", op)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if !parsed.Valid {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if purpose, ok := claims["purpose"].(string); !ok || purpose != purposeRefresh {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return nil
}
