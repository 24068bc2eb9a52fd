package authn

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// unsignedJWT builds a JWT with the given claims and an empty signature,
// sufficient for jwt.ParseUnverified which this package uses only to
// schedule refreshes, never to authorize.
func unsignedJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return strings.Join([]string{header, payload, ""}, ".")
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := unsignedJWT(t, map[string]interface{}{
		"sub": "user-1",
		"exp": exp.Unix(),
		"iat": exp.Add(-time.Hour).Unix(),
	})

	got, err := expiry(token)
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}
}

func TestExpiryMissingClaim(t *testing.T) {
	token := unsignedJWT(t, map[string]interface{}{"sub": "user-1"})
	if _, err := expiry(token); err == nil {
		t.Fatal("expected error for token without exp claim")
	}
}
