package oauth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"authcore/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appleAuthURL  = "https://appleid.apple.com/auth/authorize"
	appleTokenURL = "https://appleid.apple.com/auth/token"
	appleKeysURL  = "https://appleid.apple.com/auth/keys"
	appleIssuer   = "https://appleid.apple.com"

	appleAssertionTTL = 5 * time.Minute
)

type AppleConfig struct {
	ClientID      string
	TeamID        string
	KeyID         string
	PrivateKeyPEM []byte
	RedirectURI   string
}

// AppleProvider adapts Sign in with Apple. Apple's token endpoint takes no
// static secret; every exchange carries a fresh ES256 client assertion
// signed with the integration's private key.
type AppleProvider struct {
	cfg        AppleConfig
	privateKey *ecdsa.PrivateKey
	client     *http.Client
	keys       *keySet
}

func NewApple(cfg AppleConfig) (*AppleProvider, error) {
	const op = "oauth.NewApple"

	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse private key: %w", op, err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	return &AppleProvider{
		cfg:        cfg,
		privateKey: key,
		client:     client,
		keys:       newKeySet(appleKeysURL, client),
	}, nil
}

func (p *AppleProvider) Name() models.Provider {
	return models.ProviderApple
}

func (p *AppleProvider) AuthorizeURL(state, nonce, codeChallenge string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.cfg.ClientID)
	query.Set("redirect_uri", p.cfg.RedirectURI)
	query.Set("scope", "email")
	query.Set("response_mode", "form_post")
	query.Set("state", state)
	query.Set("nonce", nonce)
	if codeChallenge != "" {
		query.Set("code_challenge", codeChallenge)
		query.Set("code_challenge_method", "S256")
	}

	return appleAuthURL + "?" + query.Encode()
}

func (p *AppleProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error) {
	const op = "oauth.AppleProvider.ExchangeCode"

	assertion, err := p.clientAssertion()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", assertion)
	form.Set("redirect_uri", p.cfg.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	return exchangeForIDToken(ctx, p.client, appleTokenURL, form)
}

func (p *AppleProvider) VerifyIDToken(ctx context.Context, idToken string) (Claims, error) {
	return verifyIDToken(ctx, idToken, p.keys, []string{appleIssuer}, p.cfg.ClientID)
}

// * clientAssertion выпускает короткоживущий подписанный JWT для token endpoint.
func (p *AppleProvider) clientAssertion() (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"sub": p.cfg.ClientID,
		"aud": appleIssuer,
		"iat": now.Unix(),
		"exp": now.Add(appleAssertionTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = p.cfg.KeyID

	return token.SignedString(p.privateKey)
}
