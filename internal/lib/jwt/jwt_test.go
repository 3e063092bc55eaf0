package jwt

import (
	"testing"
	"time"

	"authcore/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestRefreshTokenRoundTrip(t *testing.T) {
	token, err := NewRefreshToken(secret, time.Hour)
	require.NoError(t, err)

	assert.NoError(t, VerifyRefreshToken(token, secret))
}

func TestRefreshTokensAreDistinct(t *testing.T) {
	first, err := NewRefreshToken(secret, time.Hour)
	require.NoError(t, err)

	second, err := NewRefreshToken(secret, time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyRefreshTokenWrongSecret(t *testing.T) {
	token, err := NewRefreshToken(secret, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyRefreshToken(token, "other"), ErrInvalidToken)
}

func TestVerifyRefreshTokenExpired(t *testing.T) {
	token, err := NewRefreshToken(secret, -time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyRefreshToken(token, secret), ErrInvalidToken)
}

func TestVerifyRefreshTokenRejectsAccessToken(t *testing.T) {
	user := models.User{
		ID:    uuid.New(),
		Email: "u@x.com",
		Role:  models.RoleUser,
	}

	access, err := NewAccessToken(user, secret, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyRefreshToken(access, secret), ErrInvalidToken)
}
