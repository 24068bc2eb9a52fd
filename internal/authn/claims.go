package authn

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/holesch/not-my-board/internal/apperr"
)

// expiry decodes rawIDToken's exp claim without verifying its signature.
// The signature was already checked once by Authenticator.Verify/Exchange;
// this is only used to schedule the next refresh, so an unverified parse
// is sufficient and avoids a redundant JWKS round-trip per tick.
func expiry(rawIDToken string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(rawIDToken, claims); err != nil {
		return time.Time{}, apperr.Wrap(apperr.CodeAuthError, "failed to parse token for expiry", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, apperr.AuthError("token has no exp claim")
	}
	return exp.Time, nil
}
