package authn

import (
	"context"
	"time"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/logger"
)

// Refresher runs the background token-refresh loop spec.md §4.6 describes:
// wake up leeway before the current ID token's exp, refresh with a hard
// per-attempt timeout, and fail with PermissionLost if the refreshed
// token dropped a role the caller had before.
type Refresher struct {
	auth    *Authenticator
	leeway  time.Duration
	timeout time.Duration
}

// NewRefresher builds a Refresher. leeway and timeout both default to 30s
// per spec.md §4.6 when zero.
func NewRefresher(auth *Authenticator, leeway, timeout time.Duration) *Refresher {
	if leeway == 0 {
		leeway = 30 * time.Second
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Refresher{auth: auth, leeway: leeway, timeout: timeout}
}

// Run blocks, refreshing tokens forever until ctx is cancelled or a
// refresh fails. rolesOf extracts the set of granted roles from a claims
// map; onUpdate is invoked with each newly refreshed Tokens so the caller
// can persist them and propagate the new ID token to its peers.
func (r *Refresher) Run(ctx context.Context, tokens *Tokens, claims map[string]interface{}, rolesOf func(map[string]interface{}) map[string]bool, onUpdate func(*Tokens) error) error {
	current := tokens
	previousRoles := rolesOf(claims)
	log := logger.Auth()

	for {
		exp, err := expiry(current.IDToken)
		if err != nil {
			return err
		}
		wait := time.Until(exp) - r.leeway
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		refreshCtx, cancel := context.WithTimeout(ctx, r.timeout)
		newTokens, err := r.auth.Refresh(refreshCtx, current.RefreshToken)
		cancel()
		if err != nil {
			return err
		}

		idToken, err := r.auth.Verify(ctx, newTokens.IDToken)
		if err != nil {
			return err
		}
		newClaims, err := Claims(idToken)
		if err != nil {
			return err
		}

		newRoles := rolesOf(newClaims)
		for role := range previousRoles {
			if !newRoles[role] {
				log.Warn().Str("role", role).Msg("role lost on token refresh")
				return apperr.PermissionLost(role)
			}
		}

		current = newTokens
		previousRoles = newRoles
		if err := onUpdate(current); err != nil {
			return err
		}
		log.Debug().Time("expires", exp).Msg("refreshed ID token")
	}
}
