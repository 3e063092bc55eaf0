package oauth

import (
	"context"
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

type memHandshakes struct {
	mu     sync.Mutex
	states map[string]models.OAuthHandshake
}

func newMemHandshakes() *memHandshakes {
	return &memHandshakes{states: make(map[string]models.OAuthHandshake)}
}

func (s *memHandshakes) SaveHandshake(_ context.Context, state string, hs models.OAuthHandshake, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state] = hs

	return nil
}

func (s *memHandshakes) ConsumeHandshake(_ context.Context, state string) (models.OAuthHandshake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.states[state]
	if !ok {
		return models.OAuthHandshake{}, storage.ErrHandshakeNotFound
	}
	delete(s.states, state)

	return hs, nil
}

// memUsers enforces the same unique constraints the schema does; the
// service relies on them as the safety mechanism.
type memUsers struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	accounts []models.OAuthAccount
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]*models.User)}
}

func (s *memUsers) SaveUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email && existing.DeletedAt == nil {
			return storage.ErrUserExists
		}
	}

	copied := u
	s.users[u.ID] = &copied

	return nil
}

func (s *memUsers) UserByEmail(_ context.Context, email string, includeDeleted bool) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email && (includeDeleted || u.DeletedAt == nil) {
			return *u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *memUsers) UserByID(_ context.Context, id uuid.UUID, includeDeleted bool) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok || (!includeDeleted && u.DeletedAt != nil) {
		return models.User{}, storage.ErrUserNotFound
	}

	return *u, nil
}

func (s *memUsers) SetEmailVerified(_ context.Context, userID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userID]; ok {
		u.EmailVerified = true
		u.UpdatedAt = now
	}

	return nil
}

func (s *memUsers) TouchLastLogin(_ context.Context, userID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userID]; ok {
		u.LastLoginAt = &now
	}

	return nil
}

func (s *memUsers) SaveOAuthAccount(_ context.Context, a models.OAuthAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.Provider == a.Provider && existing.ProviderUserID == a.ProviderUserID {
			return storage.ErrOAuthAccountExists
		}
		if existing.UserID == a.UserID && existing.Provider == a.Provider {
			return storage.ErrOAuthAccountExists
		}
	}

	s.accounts = append(s.accounts, a)

	return nil
}

func (s *memUsers) AccountByProvider(_ context.Context, provider models.Provider, providerUserID string) (models.OAuthAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Provider == provider && a.ProviderUserID == providerUserID {
			return a, nil
		}
	}

	return models.OAuthAccount{}, storage.ErrOAuthAccountNotFound
}

func (s *memUsers) accountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.accounts)
}

// fakeProvider echoes the nonce it was asked to embed, the way a real
// provider round-trips it through the id_token.
type fakeProvider struct {
	name        models.Provider
	claims      Claims
	exchangeErr error
	nonceSkew   string

	mu        sync.Mutex
	lastNonce string
}

func (p *fakeProvider) Name() models.Provider { return p.name }

func (p *fakeProvider) AuthorizeURL(state, nonce, codeChallenge string) string {
	p.mu.Lock()
	p.lastNonce = nonce
	p.mu.Unlock()

	return "https://provider.example/authorize?state=" + state
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code, _ string) (string, error) {
	if p.exchangeErr != nil {
		return "", p.exchangeErr
	}

	return "id-token-for-" + code, nil
}

func (p *fakeProvider) VerifyIDToken(_ context.Context, _ string) (Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	claims := p.claims
	if p.nonceSkew != "" {
		claims.Nonce = p.nonceSkew
	} else {
		claims.Nonce = p.lastNonce
	}

	return claims, nil
}

func newTestService(providers []Provider, users UserStore) (*Service, *memHandshakes) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handshakes := newMemHandshakes()

	return New(log, providers, handshakes, users, 10*time.Minute), handshakes
}

func TestAuthorizeBuildsHandshake(t *testing.T) {
	p := &fakeProvider{name: models.ProviderGoogle}
	svc, handshakes := newTestService([]Provider{p}, newMemUsers())

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	assert.NotEmpty(t, authz.State)
	assert.Contains(t, authz.URL, authz.State)

	hs, err := handshakes.ConsumeHandshake(context.Background(), authz.State)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, hs.Provider)
	assert.NotEmpty(t, hs.Nonce)
	assert.Empty(t, hs.CodeVerifier)
}

func TestAuthorizeWithPKCE(t *testing.T) {
	p := &fakeProvider{name: models.ProviderGoogle}
	svc, handshakes := newTestService([]Provider{p}, newMemUsers())

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, true)
	require.NoError(t, err)

	hs, err := handshakes.ConsumeHandshake(context.Background(), authz.State)
	require.NoError(t, err)
	assert.NotEmpty(t, hs.CodeVerifier)
}

func TestAuthorizeUnknownProvider(t *testing.T) {
	svc, _ := newTestService(nil, newMemUsers())

	_, err := svc.Authorize(context.Background(), models.ProviderApple, false)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestExchangeCreatesNewUser(t *testing.T) {
	p := &fakeProvider{
		name:   models.ProviderGoogle,
		claims: Claims{Subject: "google-sub-1", Email: "new@x.com", EmailVerified: true},
	}
	users := newMemUsers()
	svc, _ := newTestService([]Provider{p}, users)

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	user, err := svc.Exchange(context.Background(), models.ProviderGoogle, "code", authz.State)
	require.NoError(t, err)

	assert.Equal(t, "new@x.com", user.Email)
	assert.True(t, user.EmailVerified)
	assert.False(t, user.HasPassword())
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, 1, users.accountCount())
}

func TestExchangeInvalidState(t *testing.T) {
	p := &fakeProvider{name: models.ProviderGoogle}
	svc, _ := newTestService([]Provider{p}, newMemUsers())

	_, err := svc.Exchange(context.Background(), models.ProviderGoogle, "code", "never-issued")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeStateIsSingleUse(t *testing.T) {
	p := &fakeProvider{
		name:   models.ProviderGoogle,
		claims: Claims{Subject: "google-sub-1", Email: "u@x.com", EmailVerified: true},
	}
	svc, _ := newTestService([]Provider{p}, newMemUsers())

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), models.ProviderGoogle, "code", authz.State)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), models.ProviderGoogle, "code", authz.State)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeStateBoundToProvider(t *testing.T) {
	google := &fakeProvider{name: models.ProviderGoogle}
	apple := &fakeProvider{name: models.ProviderApple}
	svc, _ := newTestService([]Provider{google, apple}, newMemUsers())

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), models.ProviderApple, "code", authz.State)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExchangeNonceMismatch(t *testing.T) {
	p := &fakeProvider{
		name:      models.ProviderGoogle,
		claims:    Claims{Subject: "google-sub-1", Email: "u@x.com", EmailVerified: true},
		nonceSkew: "substituted-nonce",
	}
	users := newMemUsers()
	svc, _ := newTestService([]Provider{p}, users)

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), models.ProviderGoogle, "code", authz.State)
	assert.ErrorIs(t, err, ErrNonceMismatch)
	assert.Equal(t, 0, users.accountCount())
}

func TestExchangeFailedSurfacesTyped(t *testing.T) {
	p := &fakeProvider{
		name:        models.ProviderGoogle,
		exchangeErr: ErrExchangeFailed,
	}
	svc, _ := newTestService([]Provider{p}, newMemUsers())

	authz, err := svc.Authorize(context.Background(), models.ProviderGoogle, false)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), models.ProviderGoogle, "code", authz.State)
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestFindOrCreateUserEmailMissing(t *testing.T) {
	svc, _ := newTestService(nil, newMemUsers())

	_, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle,
		Claims{Subject: "sub-1"})
	assert.ErrorIs(t, err, ErrEmailMissing)
}

func TestFindOrCreateUserUnverifiedEmailRejected(t *testing.T) {
	users := newMemUsers()

	existing := models.User{
		ID:        uuid.New(),
		Email:     "a@x.com",
		PassHash:  []byte("$argon2id$..."),
		Role:      models.RoleUser,
		CreatedAt: time.Now(),
	}
	require.NoError(t, users.SaveUser(context.Background(), existing))

	svc, _ := newTestService(nil, users)

	_, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle,
		Claims{Subject: "sub-1", Email: "a@x.com", EmailVerified: false})
	assert.ErrorIs(t, err, ErrEmailRequiresPasswordLink)
	assert.Equal(t, 0, users.accountCount(), "no account row may be created on rejection")
}

func TestFindOrCreateUserVerifiedEmailLinks(t *testing.T) {
	users := newMemUsers()

	existing := models.User{
		ID:        uuid.New(),
		Email:     "a@x.com",
		PassHash:  []byte("$argon2id$..."),
		Role:      models.RoleUser,
		CreatedAt: time.Now(),
	}
	require.NoError(t, users.SaveUser(context.Background(), existing))

	svc, _ := newTestService(nil, users)

	claims := Claims{Subject: "sub-1", Email: "a@x.com", EmailVerified: true}

	user, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle, claims)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)
	assert.Equal(t, 1, users.accountCount())

	linked, err := users.UserByID(context.Background(), existing.ID, false)
	require.NoError(t, err)
	assert.True(t, linked.EmailVerified)

	// Subsequent logins resolve through the account link.
	again, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle, claims)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, again.ID)
	assert.Equal(t, 1, users.accountCount())
}

func TestFindOrCreateUserTwoProviders(t *testing.T) {
	users := newMemUsers()

	existing := models.User{
		ID:        uuid.New(),
		Email:     "a@x.com",
		PassHash:  []byte("$argon2id$..."),
		Role:      models.RoleUser,
		CreatedAt: time.Now(),
	}
	require.NoError(t, users.SaveUser(context.Background(), existing))

	svc, _ := newTestService(nil, users)

	googleClaims := Claims{Subject: "google-sub", Email: "a@x.com", EmailVerified: true}
	appleClaims := Claims{Subject: "apple-sub", Email: "a@x.com", EmailVerified: true}

	fromGoogle, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle, googleClaims)
	require.NoError(t, err)

	fromApple, err := svc.FindOrCreateUser(context.Background(), models.ProviderApple, appleClaims)
	require.NoError(t, err)

	assert.Equal(t, fromGoogle.ID, fromApple.ID)
	assert.Equal(t, 2, users.accountCount())

	// Both identities keep working.
	viaGoogle, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle, googleClaims)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, viaGoogle.ID)

	viaApple, err := svc.FindOrCreateUser(context.Background(), models.ProviderApple, appleClaims)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, viaApple.ID)
}

func TestFindOrCreateUserUpdatesLastLogin(t *testing.T) {
	users := newMemUsers()
	svc, _ := newTestService(nil, users)

	user, err := svc.FindOrCreateUser(context.Background(), models.ProviderGoogle,
		Claims{Subject: "sub-1", Email: "n@x.com", EmailVerified: true})
	require.NoError(t, err)

	stored, err := users.UserByID(context.Background(), user.ID, false)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}
