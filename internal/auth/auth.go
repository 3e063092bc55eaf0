package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authcore/internal/auth/session"
	libjwt "authcore/internal/lib/jwt"
	sl "authcore/internal/lib/logger"
	"authcore/internal/lib/passhash"
	"authcore/internal/lib/verification"
	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrSessionInvalid     = errors.New("session invalid or expired")
	ErrProofInvalid       = errors.New("registration proof invalid or expired")
)

// OAuthLoginRequiredError directs a password login attempt for an
// OAuth-only account to the linking flow. The provider hint is deliberate:
// the email's existence is already implied by the attempt itself.
type OAuthLoginRequiredError struct {
	Provider models.Provider
}

func (e *OAuthLoginRequiredError) Error() string {
	return fmt.Sprintf("account uses %s sign-in, log in with %s to set a password", e.Provider, e.Provider)
}

type UserStore interface {
	SaveUser(ctx context.Context, u models.User) error
	UserByEmail(ctx context.Context, email string, includeDeleted bool) (models.User, error)
	UserByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (models.User, error)
	SetPassword(ctx context.Context, userID uuid.UUID, passHash []byte, now time.Time) error
	TouchLastLogin(ctx context.Context, userID uuid.UUID, now time.Time) error
	AccountsByUser(ctx context.Context, userID uuid.UUID) ([]models.OAuthAccount, error)
}

type Sessions interface {
	Store(ctx context.Context, userID uuid.UUID, rawToken string, meta models.TokenMeta) error
	Consume(ctx context.Context, rawToken string) (uuid.UUID, error)
	Revoke(ctx context.Context, rawToken string) error
}

// TokenPair is a session pair: a short-lived self-verifying access token
// and a long-lived stateful refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Auth composes the credential store, password hasher and session manager
// into the register/login/refresh/logout use cases. It is the only
// component with business-rule authority.
type Auth struct {
	log         *slog.Logger
	users       UserStore
	sessions    Sessions
	secret      string
	proofSecret string
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

func New(
	log *slog.Logger,
	users UserStore,
	sessions Sessions,
	secret string,
	proofSecret string,
	accessTTL, refreshTTL time.Duration,
) *Auth {
	return &Auth{
		log:         log,
		users:       users,
		sessions:    sessions,
		secret:      secret,
		proofSecret: proofSecret,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}
}

// RegisterUser creates a password-bearing user with role user.
func (a *Auth) RegisterUser(ctx context.Context, email, password string) (models.User, error) {
	return a.register(ctx, email, password, models.RoleUser, false)
}

// RegisterAdmin is the privileged variant used by operator tooling only.
func (a *Auth) RegisterAdmin(ctx context.Context, email, password string) (models.User, error) {
	return a.register(ctx, email, password, models.RoleAdmin, false)
}

func (a *Auth) register(ctx context.Context, email, password string, role models.Role, emailVerified bool) (models.User, error) {
	const op = "auth.register"

	log := a.log.With(slog.String("op", op))

	existing, err := a.users.UserByEmail(ctx, email, false)
	if err == nil {
		if existing.HasPassword() {
			return models.User{}, ErrUserExists
		}

		hint, err := a.oauthLoginRequired(ctx, existing.ID)
		if err != nil {
			log.Error("failed to get linked accounts", sl.Err(err))
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}
		if hint != nil {
			return models.User{}, hint
		}

		// Passwordless and no linked account: mid-registration via the
		// email-code flow. The email is taken either way.
		return models.User{}, ErrUserExists
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := passhash.Generate(password)
	if err != nil {
		log.Error("failed to hash password", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now()

	user := models.User{
		ID:            uuid.New(),
		Email:         email,
		EmailVerified: emailVerified,
		PassHash:      passHash,
		Role:          role,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := a.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists")
			return models.User{}, ErrUserExists
		}

		log.Error("failed to save user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("uid", user.ID.String()))

	return user, nil
}

// ValidateCredentials checks an email/password pair. Every failure mode
// except the OAuth-only hint collapses into one generic error so login
// responses cannot be used to enumerate accounts.
func (a *Auth) ValidateCredentials(ctx context.Context, email, password string) (models.User, error) {
	const op = "auth.ValidateCredentials"

	log := a.log.With(slog.String("op", op))

	user, err := a.users.UserByEmail(ctx, email, false)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}

		log.Error("failed to get user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	if !user.HasPassword() {
		hint, err := a.oauthLoginRequired(ctx, user.ID)
		if err != nil {
			log.Error("failed to get linked accounts", sl.Err(err))
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}
		if hint != nil {
			return models.User{}, hint
		}

		return models.User{}, ErrInvalidCredentials
	}

	ok, err := passhash.Compare(user.PassHash, password)
	if err != nil {
		log.Error("failed to compare password hash", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		log.Info("invalid credentials")
		return models.User{}, ErrInvalidCredentials
	}

	if err := a.users.TouchLastLogin(ctx, user.ID, time.Now()); err != nil {
		log.Error("failed to update last login", sl.Err(err))
	}

	return user, nil
}

// oauthLoginRequired builds the provider hint for a password-less user, or
// nil when the user has no linked account either.
func (a *Auth) oauthLoginRequired(ctx context.Context, userID uuid.UUID) (*OAuthLoginRequiredError, error) {
	accounts, err := a.users.AccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	return &OAuthLoginRequiredError{Provider: accounts[0].Provider}, nil
}

// Login validates credentials and issues a session pair.
func (a *Auth) Login(ctx context.Context, email, password string, meta models.TokenMeta) (TokenPair, error) {
	user, err := a.ValidateCredentials(ctx, email, password)
	if err != nil {
		return TokenPair{}, err
	}

	return a.IssueSessionPair(ctx, user, meta)
}

// IssueSessionPair mints an access token and a fresh refresh token, and
// records the refresh token's hash.
func (a *Auth) IssueSessionPair(ctx context.Context, user models.User, meta models.TokenMeta) (TokenPair, error) {
	const op = "auth.IssueSessionPair"

	log := a.log.With(slog.String("op", op))

	accessToken, err := libjwt.NewAccessToken(user, a.secret, a.accessTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := libjwt.NewRefreshToken(a.secret, a.refreshTTL)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.sessions.Store(ctx, user.ID, refreshToken, meta); err != nil {
		log.Error("failed to store refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh rotates a session: wire-level token check, then the single-use
// stateful consume, and only after that a brand-new pair. The old token is
// dead from here on even though its signature stays structurally valid.
func (a *Auth) Refresh(ctx context.Context, rawRefreshToken string, meta models.TokenMeta) (TokenPair, error) {
	const op = "auth.Refresh"

	log := a.log.With(slog.String("op", op))

	if err := libjwt.VerifyRefreshToken(rawRefreshToken, a.secret); err != nil {
		log.Warn("refresh token failed wire-level check")
		return TokenPair{}, ErrSessionInvalid
	}

	userID, err := a.sessions.Consume(ctx, rawRefreshToken)
	if err != nil {
		if errors.Is(err, session.ErrExpiredOrRevoked) {
			return TokenPair{}, ErrSessionInvalid
		}

		log.Error("failed to consume refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.users.UserByID(ctx, userID, false)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return TokenPair{}, ErrSessionInvalid
		}

		log.Error("failed to load user", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.IssueSessionPair(ctx, user, meta)
	if err != nil {
		return TokenPair{}, err
	}

	log.Info("session refreshed", slog.String("uid", user.ID.String()))

	return pair, nil
}

// Logout revokes the refresh token. Idempotent: an unknown or already
// revoked token is not an error.
func (a *Auth) Logout(ctx context.Context, rawRefreshToken string) error {
	const op = "auth.Logout"

	if err := a.sessions.Revoke(ctx, rawRefreshToken); err != nil {
		a.log.Error("failed to revoke refresh token", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("logout successful", slog.String("op", op))

	return nil
}

// CompleteRegistration consumes a registration proof token and sets the
// password: creating the user, or attaching a password to an OAuth-only
// user that already owns the email (the password-link path). Returns a
// session pair for the freshly registered user.
func (a *Auth) CompleteRegistration(ctx context.Context, proofToken, password string, meta models.TokenMeta) (TokenPair, error) {
	const op = "auth.CompleteRegistration"

	log := a.log.With(slog.String("op", op))

	email, err := verification.ParseProofToken(proofToken, a.proofSecret)
	if err != nil {
		log.Warn("invalid registration proof", sl.Err(err))
		return TokenPair{}, ErrProofInvalid
	}

	user, err := a.users.UserByEmail(ctx, email, false)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		// Inserted verified in one write: the code round-trip proved
		// ownership of the email.
		user, err = a.register(ctx, email, password, models.RoleUser, true)
		if err != nil {
			return TokenPair{}, err
		}

	case err != nil:
		log.Error("failed to get user", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)

	case user.HasPassword():
		return TokenPair{}, ErrUserExists

	default:
		passHash, err := passhash.Generate(password)
		if err != nil {
			log.Error("failed to hash password", sl.Err(err))
			return TokenPair{}, fmt.Errorf("%s: %w", op, err)
		}

		if err := a.users.SetPassword(ctx, user.ID, passHash, time.Now()); err != nil {
			log.Error("failed to set password", sl.Err(err))
			return TokenPair{}, fmt.Errorf("%s: %w", op, err)
		}

		user.PassHash = passHash
		user.EmailVerified = true
	}

	log.Info("registration completed", slog.String("uid", user.ID.String()))

	return a.IssueSessionPair(ctx, user, meta)
}
