package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// exchangeForIDToken posts the token-endpoint form and extracts id_token.
// Timeouts and non-2xx responses surface through ErrExchangeFailed so the
// caller never sees provider-specific failure detail.
func exchangeForIDToken(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (string, error) {
	const op = "oauth.exchangeForIDToken"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%s: %w: status %d: %s", op, ErrExchangeFailed, resp.StatusCode, body)
	}

	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrExchangeFailed, err)
	}

	if payload.IDToken == "" {
		return "", fmt.Errorf("%s: %w: response carried no id_token", op, ErrExchangeFailed)
	}

	return payload.IDToken, nil
}

// verifyIDToken checks signature, issuer and audience, then extracts the
// identity claims. Nonce comparison is the federation service's job.
func verifyIDToken(ctx context.Context, idToken string, keys *keySet, issuers []string, audience string) (Claims, error) {
	const op = "oauth.verifyIDToken"

	raw := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(idToken, raw, keys.keyfunc(ctx))
	if err != nil {
		return Claims{}, fmt.Errorf("%s: %w", op, err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("%s: invalid id token", op)
	}

	iss, _ := raw["iss"].(string)
	if !slices.Contains(issuers, iss) {
		return Claims{}, fmt.Errorf("%s: unexpected issuer %q", op, iss)
	}

	if !audienceMatches(raw["aud"], audience) {
		return Claims{}, fmt.Errorf("%s: unexpected audience %v", op, raw["aud"])
	}

	sub, _ := raw["sub"].(string)
	if sub == "" {
		return Claims{}, fmt.Errorf("%s: missing sub claim", op)
	}

	email, _ := raw["email"].(string)
	nonce, _ := raw["nonce"].(string)

	return Claims{
		Subject:       sub,
		Email:         email,
		EmailVerified: claimBool(raw["email_verified"]),
		Nonce:         nonce,
	}, nil
}

// audienceMatches accepts both aud spellings RFC 7519 allows: a single
// string or an array of strings.
func audienceMatches(v interface{}, audience string) bool {
	switch t := v.(type) {
	case string:
		return t == audience
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	}

	return false
}

// claimBool handles the providers' two spellings: Google sends a JSON bool,
// Apple sends the string "true".
func claimBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}
