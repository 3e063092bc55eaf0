package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sl "authcore/internal/lib/logger"
	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
)

// ErrExpiredOrRevoked is the single error every unusable refresh token maps
// to: unknown, expired, already rotated, logged out. A caller losing a
// consume race sees exactly what a sequential caller would.
var ErrExpiredOrRevoked = errors.New("refresh token expired or revoked")

type TokenStore interface {
	SaveRefreshToken(ctx context.Context, t models.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) (models.RefreshToken, error)
	GetRefreshToken(ctx context.Context, tokenHash []byte) (models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) error
}

// Manager owns the refresh-token lifecycle: issuance, single-use rotation
// and idempotent revocation. Only the token hash ever reaches storage.
type Manager struct {
	log        *slog.Logger
	store      TokenStore
	refreshTTL time.Duration
}

func New(log *slog.Logger, store TokenStore, refreshTTL time.Duration) *Manager {
	return &Manager{
		log:        log,
		store:      store,
		refreshTTL: refreshTTL,
	}
}

// HashToken derives the stored lookup key from the raw bearer secret.
func HashToken(rawToken string) []byte {
	sum := sha256.Sum256([]byte(rawToken))
	return sum[:]
}

func (m *Manager) Store(ctx context.Context, userID uuid.UUID, rawToken string, meta models.TokenMeta) error {
	const op = "session.Store"

	now := time.Now()

	t := models.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: HashToken(rawToken),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.refreshTTL),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}

	if err := m.store.SaveRefreshToken(ctx, t); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Consume atomically marks the active record for rawToken as rotated and
// returns the owning user. The conditional update in the store guarantees
// at most one caller ever succeeds per raw secret.
func (m *Manager) Consume(ctx context.Context, rawToken string) (uuid.UUID, error) {
	const op = "session.Consume"

	log := m.log.With(slog.String("op", op))

	hash := HashToken(rawToken)

	t, err := m.store.ConsumeRefreshToken(ctx, hash, models.RevokeReasonRotated, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			m.flagReplay(ctx, log, hash)
			return uuid.Nil, ErrExpiredOrRevoked
		}

		log.Error("failed to consume refresh token", sl.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return t.UserID, nil
}

// flagReplay logs when a consume attempt hits a token that was already
// rotated away: a second use of the same secret is a theft signal.
func (m *Manager) flagReplay(ctx context.Context, log *slog.Logger, hash []byte) {
	t, err := m.store.GetRefreshToken(ctx, hash)
	if err != nil {
		return
	}

	if t.RevokedAt != nil && t.RevokedReason == models.RevokeReasonRotated {
		log.Warn("consume attempt against rotated refresh token, possible token theft",
			slog.String("uid", t.UserID.String()),
			slog.String("ip", t.IPAddress),
		)
	}
}

// Revoke marks the active record revoked with reason logout. Silently
// succeeds when no matching active record exists: logout never fails
// visibly for that reason.
func (m *Manager) Revoke(ctx context.Context, rawToken string) error {
	const op = "session.Revoke"

	err := m.store.RevokeRefreshToken(ctx, HashToken(rawToken), models.RevokeReasonLogout, time.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
