package session

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTokenStore mirrors the conditional-update semantics of the postgres
// repo so the race behavior under test is the real one.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]*models.RefreshToken)}
}

func (s *memTokenStore) SaveRefreshToken(_ context.Context, t models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := t
	s.tokens[hex.EncodeToString(t.TokenHash)] = &copied

	return nil
}

func (s *memTokenStore) ConsumeRefreshToken(_ context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) (models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hex.EncodeToString(tokenHash)]
	if !ok || t.RevokedAt != nil || !t.ExpiresAt.After(now) {
		return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
	}

	revokedAt := now
	t.RevokedAt = &revokedAt
	t.RevokedReason = reason
	t.LastUsedAt = &revokedAt

	return *t, nil
}

func (s *memTokenStore) GetRefreshToken(_ context.Context, tokenHash []byte) (models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hex.EncodeToString(tokenHash)]
	if !ok {
		return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
	}

	return *t, nil
}

func (s *memTokenStore) RevokeRefreshToken(_ context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hex.EncodeToString(tokenHash)]
	if !ok || t.RevokedAt != nil {
		return nil
	}

	revokedAt := now
	t.RevokedAt = &revokedAt
	t.RevokedReason = reason

	return nil
}

func newTestManager(store TokenStore, ttl time.Duration) *Manager {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, store, ttl)
}

func TestConsumeRotatesToken(t *testing.T) {
	store := newMemTokenStore()
	m := newTestManager(store, time.Hour)

	userID := uuid.New()
	require.NoError(t, m.Store(context.Background(), userID, "raw-token", models.TokenMeta{}))

	got, err := m.Consume(context.Background(), "raw-token")
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	stored, err := store.GetRefreshToken(context.Background(), HashToken("raw-token"))
	require.NoError(t, err)
	assert.NotNil(t, stored.RevokedAt)
	assert.Equal(t, models.RevokeReasonRotated, stored.RevokedReason)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestConsumeIsSingleUse(t *testing.T) {
	m := newTestManager(newMemTokenStore(), time.Hour)

	require.NoError(t, m.Store(context.Background(), uuid.New(), "raw-token", models.TokenMeta{}))

	_, err := m.Consume(context.Background(), "raw-token")
	require.NoError(t, err)

	_, err = m.Consume(context.Background(), "raw-token")
	assert.ErrorIs(t, err, ErrExpiredOrRevoked)
}

func TestConsumeConcurrentExactlyOnce(t *testing.T) {
	m := newTestManager(newMemTokenStore(), time.Hour)

	require.NoError(t, m.Store(context.Background(), uuid.New(), "raw-token", models.TokenMeta{}))

	const callers = 16

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Consume(context.Background(), "raw-token")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			losses++
			assert.ErrorIs(t, err, ErrExpiredOrRevoked)
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, losses)
}

func TestConsumeUnknownToken(t *testing.T) {
	m := newTestManager(newMemTokenStore(), time.Hour)

	_, err := m.Consume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrExpiredOrRevoked)
}

func TestConsumeExpiredToken(t *testing.T) {
	m := newTestManager(newMemTokenStore(), -time.Minute)

	require.NoError(t, m.Store(context.Background(), uuid.New(), "raw-token", models.TokenMeta{}))

	_, err := m.Consume(context.Background(), "raw-token")
	assert.ErrorIs(t, err, ErrExpiredOrRevoked)
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := newMemTokenStore()
	m := newTestManager(store, time.Hour)

	require.NoError(t, m.Store(context.Background(), uuid.New(), "raw-token", models.TokenMeta{}))

	require.NoError(t, m.Revoke(context.Background(), "raw-token"))
	require.NoError(t, m.Revoke(context.Background(), "raw-token"))
	require.NoError(t, m.Revoke(context.Background(), "never-issued"))

	stored, err := store.GetRefreshToken(context.Background(), HashToken("raw-token"))
	require.NoError(t, err)
	assert.Equal(t, models.RevokeReasonLogout, stored.RevokedReason)

	_, err = m.Consume(context.Background(), "raw-token")
	assert.ErrorIs(t, err, ErrExpiredOrRevoked)
}

func TestStoreRecordsAuditMetadata(t *testing.T) {
	store := newMemTokenStore()
	m := newTestManager(store, time.Hour)

	meta := models.TokenMeta{UserAgent: "test-agent", IPAddress: "10.0.0.1"}
	require.NoError(t, m.Store(context.Background(), uuid.New(), "raw-token", meta))

	stored, err := store.GetRefreshToken(context.Background(), HashToken("raw-token"))
	require.NoError(t, err)
	assert.Equal(t, "test-agent", stored.UserAgent)
	assert.Equal(t, "10.0.0.1", stored.IPAddress)
}
