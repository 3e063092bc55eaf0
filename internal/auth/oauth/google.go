package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authcore/internal/models"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	googleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// GoogleProvider is the confidential-client Google adapter: a static
// client secret at the token endpoint.
type GoogleProvider struct {
	cfg    GoogleConfig
	client *http.Client
	keys   *keySet
}

func NewGoogle(cfg GoogleConfig) *GoogleProvider {
	client := &http.Client{Timeout: 10 * time.Second}

	return &GoogleProvider{
		cfg:    cfg,
		client: client,
		keys:   newKeySet(googleCertsURL, client),
	}
}

func (p *GoogleProvider) Name() models.Provider {
	return models.ProviderGoogle
}

func (p *GoogleProvider) AuthorizeURL(state, nonce, codeChallenge string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.cfg.ClientID)
	query.Set("redirect_uri", p.cfg.RedirectURI)
	query.Set("scope", strings.Join([]string{"openid", "email"}, " "))
	query.Set("state", state)
	query.Set("nonce", nonce)
	if codeChallenge != "" {
		query.Set("code_challenge", codeChallenge)
		query.Set("code_challenge_method", "S256")
	}

	return googleAuthURL + "?" + query.Encode()
}

func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	return exchangeForIDToken(ctx, p.client, googleTokenURL, form)
}

func (p *GoogleProvider) VerifyIDToken(ctx context.Context, idToken string) (Claims, error) {
	return verifyIDToken(ctx, idToken, p.keys, googleIssuers, p.cfg.ClientID)
}
