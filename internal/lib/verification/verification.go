package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const codeDigits = 6

// NewCode generates a random 6-digit numeric code, zero-padded.
func NewCode() (string, error) {
	const op = "verification.NewCode"

	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// NewSalt generates a per-code random salt.
func NewSalt() ([]byte, error) {
	const op = "verification.NewSalt"

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return salt, nil
}

// HashCode computes the stored digest of a code under its salt.
func HashCode(salt []byte, code string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(code))

	return h.Sum(nil)
}

// NewProofToken mints the short-lived token returned by a successful code
// verification and required by the registration completion call.
func NewProofToken(email, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":     email,
		"purpose": "registration_proof",
		"exp":     time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// ParseProofToken validates a registration proof token and returns the
// email it was issued for.
func ParseProofToken(tokenStr, secret string) (string, error) {
	const op = "verification.ParseProofToken"

	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%s: unexpected signing method", op)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: failed to parse token: %w", op, err)
	}

	if !parsed.Valid {
		return "", fmt.Errorf("%s: invalid token", op)
	}

	if purpose, ok := claims["purpose"].(string); !ok || purpose != "registration_proof" {
		return "", fmt.Errorf("%s: invalid token purpose", op)
	}

	email, ok := claims["sub"].(string)
	if !ok || email == "" {
		return "", fmt.Errorf("%s: missing sub claim", op)
	}

	return email, nil
}
