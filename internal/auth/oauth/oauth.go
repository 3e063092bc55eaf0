package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sl "authcore/internal/lib/logger"
	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrUnknownProvider           = errors.New("unknown oauth provider")
	ErrInvalidState              = errors.New("invalid oauth state")
	ErrNonceMismatch             = errors.New("oauth nonce mismatch")
	ErrExchangeFailed            = errors.New("oauth code exchange failed")
	ErrEmailMissing              = errors.New("oauth claims carry no email")
	ErrEmailRequiresPasswordLink = errors.New("email belongs to an existing account, log in with password to link")
)

type HandshakeStore interface {
	SaveHandshake(ctx context.Context, state string, hs models.OAuthHandshake, ttl time.Duration) error
	ConsumeHandshake(ctx context.Context, state string) (models.OAuthHandshake, error)
}

type UserStore interface {
	SaveUser(ctx context.Context, u models.User) error
	UserByEmail(ctx context.Context, email string, includeDeleted bool) (models.User, error)
	UserByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (models.User, error)
	SetEmailVerified(ctx context.Context, userID uuid.UUID, now time.Time) error
	TouchLastLogin(ctx context.Context, userID uuid.UUID, now time.Time) error
	SaveOAuthAccount(ctx context.Context, a models.OAuthAccount) error
	AccountByProvider(ctx context.Context, provider models.Provider, providerUserID string) (models.OAuthAccount, error)
}

// Authorization is what the authorize step hands back to the transport
// layer: the provider URL to redirect to and the state the client must
// round-trip.
type Authorization struct {
	URL   string
	State string
}

// Service orchestrates the provider adapters and owns the
// authorize/callback handshake and account resolution.
type Service struct {
	log          *slog.Logger
	providers    map[models.Provider]Provider
	handshakes   HandshakeStore
	users        UserStore
	handshakeTTL time.Duration
}

func New(
	log *slog.Logger,
	providers []Provider,
	handshakes HandshakeStore,
	users UserStore,
	handshakeTTL time.Duration,
) *Service {
	byName := make(map[models.Provider]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	return &Service{
		log:          log,
		providers:    byName,
		handshakes:   handshakes,
		users:        users,
		handshakeTTL: handshakeTTL,
	}
}

// Authorize starts the handshake: random state and nonce (plus a PKCE
// verifier for public clients), persisted transiently under the state key.
func (s *Service) Authorize(ctx context.Context, providerName models.Provider, usePKCE bool) (Authorization, error) {
	const op = "oauth.Authorize"

	log := s.log.With(slog.String("op", op), slog.String("provider", string(providerName)))

	provider, ok := s.providers[providerName]
	if !ok {
		return Authorization{}, ErrUnknownProvider
	}

	state, err := newRandomToken()
	if err != nil {
		return Authorization{}, fmt.Errorf("%s: %w", op, err)
	}

	nonce, err := newRandomToken()
	if err != nil {
		return Authorization{}, fmt.Errorf("%s: %w", op, err)
	}

	hs := models.OAuthHandshake{
		Provider: providerName,
		Nonce:    nonce,
	}

	var challenge string
	if usePKCE {
		verifier, err := NewCodeVerifier()
		if err != nil {
			return Authorization{}, fmt.Errorf("%s: %w", op, err)
		}
		hs.CodeVerifier = verifier
		challenge = ComputeS256Challenge(verifier)
	}

	if err := s.handshakes.SaveHandshake(ctx, state, hs, s.handshakeTTL); err != nil {
		log.Error("failed to save handshake state", sl.Err(err))
		return Authorization{}, fmt.Errorf("%s: %w", op, err)
	}

	return Authorization{
		URL:   provider.AuthorizeURL(state, nonce, challenge),
		State: state,
	}, nil
}

// Exchange completes the handshake: state check, code exchange, id_token
// verification, nonce comparison, then account resolution. The handshake
// record is consumed single-use before anything else so a failed exchange
// can never be replayed.
func (s *Service) Exchange(ctx context.Context, providerName models.Provider, code, state string) (models.User, error) {
	const op = "oauth.Exchange"

	log := s.log.With(slog.String("op", op), slog.String("provider", string(providerName)))

	provider, ok := s.providers[providerName]
	if !ok {
		return models.User{}, ErrUnknownProvider
	}

	hs, err := s.handshakes.ConsumeHandshake(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrHandshakeNotFound) {
			log.Warn("callback with unknown or reused state")
			return models.User{}, ErrInvalidState
		}

		log.Error("failed to consume handshake state", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if hs.Provider != providerName {
		log.Warn("state issued for a different provider")
		return models.User{}, ErrInvalidState
	}

	idToken, err := provider.ExchangeCode(ctx, code, hs.CodeVerifier)
	if err != nil {
		log.Error("code exchange failed", sl.Err(err))
		if errors.Is(err, ErrExchangeFailed) {
			return models.User{}, err
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	claims, err := provider.VerifyIDToken(ctx, idToken)
	if err != nil {
		log.Warn("id token verification failed", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if claims.Nonce != hs.Nonce {
		log.Warn("nonce mismatch, possible token substitution")
		return models.User{}, ErrNonceMismatch
	}

	return s.FindOrCreateUser(ctx, providerName, claims)
}

// FindOrCreateUser resolves verified claims to a user. The storage unique
// constraints on (provider, provider_user_id) and (user_id, provider) are
// the safety mechanism; lookups here are an optimization, and races fall
// back to a re-read.
func (s *Service) FindOrCreateUser(ctx context.Context, providerName models.Provider, claims Claims) (models.User, error) {
	const op = "oauth.FindOrCreateUser"

	log := s.log.With(slog.String("op", op), slog.String("provider", string(providerName)))

	now := time.Now()

	account, err := s.users.AccountByProvider(ctx, providerName, claims.Subject)
	if err == nil {
		user, err := s.users.UserByID(ctx, account.UserID, false)
		if err != nil {
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}

		if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
			log.Error("failed to update last login", sl.Err(err))
		}

		return user, nil
	}
	if !errors.Is(err, storage.ErrOAuthAccountNotFound) {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if claims.Email == "" {
		return models.User{}, ErrEmailMissing
	}

	user, err := s.users.UserByEmail(ctx, claims.Email, false)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		user, err = s.createUser(ctx, claims, now)
		if err != nil {
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}

	case err != nil:
		return models.User{}, fmt.Errorf("%s: %w", op, err)

	default:
		// Linking to an existing account requires the provider to vouch
		// for the email; an unverified claim could hijack it.
		if !claims.EmailVerified {
			return models.User{}, ErrEmailRequiresPasswordLink
		}
	}

	err = s.users.SaveOAuthAccount(ctx, models.OAuthAccount{
		ID:             uuid.New(),
		UserID:         user.ID,
		Provider:       providerName,
		ProviderUserID: claims.Subject,
		CreatedAt:      now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrOAuthAccountExists) {
			// Lost the race to a concurrent callback; the winner's link is
			// authoritative.
			return s.resolveExisting(ctx, providerName, claims.Subject, now)
		}

		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if claims.EmailVerified && !user.EmailVerified {
		if err := s.users.SetEmailVerified(ctx, user.ID, now); err != nil {
			log.Error("failed to set email verified", sl.Err(err))
		}
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		log.Error("failed to update last login", sl.Err(err))
	}

	log.Info("oauth account linked", slog.String("uid", user.ID.String()))

	return user, nil
}

func (s *Service) createUser(ctx context.Context, claims Claims, now time.Time) (models.User, error) {
	user := models.User{
		ID:            uuid.New(),
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Role:          models.RoleUser,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.users.SaveUser(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			// Another request created the user between lookup and insert.
			existing, err := s.users.UserByEmail(ctx, claims.Email, false)
			if err != nil {
				return models.User{}, err
			}
			if !claims.EmailVerified {
				return models.User{}, ErrEmailRequiresPasswordLink
			}
			return existing, nil
		}

		return models.User{}, err
	}

	return user, nil
}

func (s *Service) resolveExisting(ctx context.Context, providerName models.Provider, subject string, now time.Time) (models.User, error) {
	account, err := s.users.AccountByProvider(ctx, providerName, subject)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.users.UserByID(ctx, account.UserID, false)
	if err != nil {
		return models.User{}, err
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.log.Error("failed to update last login", sl.Err(err))
	}

	return user, nil
}
