// Package authn implements the agent/exporter side of authentication:
// OpenID Connect discovery, the PKCE authorization-code flow, JWT claim
// inspection for refresh scheduling, a background token-refresh task, and
// the on-disk token store (spec.md §4.6, §6, §7's AuthError taxonomy).
package authn

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/logger"
)

// Config is the discovery information the hub's GET /api/v1/auth-info
// response carries, plus the redirect URL the issuer sends the browser back
// to with the authorization code (Login uses the hub's /oidc-callback).
type Config struct {
	Issuer      string
	ClientID    string
	RedirectURL string
	Scopes      []string
}

// Authenticator drives the PKCE authorization-code flow against a single
// OIDC issuer and verifies ID tokens it receives back.
type Authenticator struct {
	config       Config
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewAuthenticator performs OIDC discovery against cfg.Issuer.
func NewAuthenticator(ctx context.Context, cfg Config) (*Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, apperr.AuthError("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, apperr.AuthError("client_id is required")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "OIDC discovery failed", err)
	}
	logger.Auth().Info().Str("issuer", cfg.Issuer).Msg("OIDC provider discovered")

	oauth2Config := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Endpoint:    provider.Endpoint(),
		Scopes:      scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	return &Authenticator{
		config:       cfg,
		provider:     provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
	}, nil
}

// AuthCodeURL builds the authorization URL for state, attaching the PKCE
// code challenge.
func (a *Authenticator) AuthCodeURL(state, codeChallenge string) string {
	return a.oauth2Config.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Tokens is an authenticated pair, mirroring the token-store's
// {id, refresh} value.
type Tokens struct {
	IDToken      string
	RefreshToken string
}

// Exchange redeems code (received via the OIDC callback) for tokens,
// presenting codeVerifier to satisfy the PKCE challenge, and verifies the
// returned ID token.
func (a *Authenticator) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	oauth2Token, err := a.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "authorization code exchange failed", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, apperr.AuthError("token response has no id_token field")
	}
	if _, err := a.verifier.Verify(ctx, rawIDToken); err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "ID token verification failed", err)
	}

	return &Tokens{IDToken: rawIDToken, RefreshToken: oauth2Token.RefreshToken}, nil
}

// Refresh redeems refreshToken for a new Tokens pair.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	src := a.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	oauth2Token, err := src.Token()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "token refresh failed", err)
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, apperr.AuthError("refresh response has no id_token field")
	}
	if _, err := a.verifier.Verify(ctx, rawIDToken); err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "refreshed ID token verification failed", err)
	}
	newRefresh := oauth2Token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return &Tokens{IDToken: rawIDToken, RefreshToken: newRefresh}, nil
}

// Verify runs full OIDC verification (signature via JWKS, issuer,
// audience, expiry) on rawIDToken.
func (a *Authenticator) Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "ID token verification failed", err)
	}
	return idToken, nil
}

// Claims unmarshals idToken's claims and enforces the presence of the
// required claim set {sub, exp, iat}.
func Claims(idToken *oidc.IDToken) (map[string]interface{}, error) {
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthError, "failed to parse ID token claims", err)
	}
	for _, required := range []string{"sub", "exp", "iat"} {
		if _, ok := claims[required]; !ok {
			return nil, apperr.AuthError(fmt.Sprintf("ID token is missing required claim %q", required))
		}
	}
	return claims, nil
}
