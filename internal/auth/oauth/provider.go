package oauth

import (
	"context"

	"authcore/internal/models"
)

// Claims are the verified identity claims extracted from a provider id_token.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Nonce         string
}

// Provider is implemented once per external identity provider.
type Provider interface {
	Name() models.Provider

	// AuthorizeURL builds the provider authorization URL embedding state,
	// nonce and an optional PKCE S256 challenge (empty string to omit).
	AuthorizeURL(state, nonce, codeChallenge string) string

	// ExchangeCode exchanges an authorization code for the provider's
	// id_token. codeVerifier is empty for confidential web flows.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error)

	// VerifyIDToken checks the token signature against the provider's
	// published keys plus issuer and audience, and returns its claims.
	VerifyIDToken(ctx context.Context, idToken string) (Claims, error)
}
