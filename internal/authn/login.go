package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/wsconn"
)

// HubAuthInfo is the subset of the hub's GET /api/v1/auth-info response
// the login flow needs.
type HubAuthInfo struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
}

// PrintURL is called with the authorization URL the user must open in a
// browser to complete the login. The default, printURLToStdout, just
// logs it; a CLI frontend can swap in something that also opens a browser
// window on whatever machine it's running on.
type PrintURL func(url string)

// Login runs one interactive PKCE authorization-code flow against the
// hub at hubURL. It opens an (as yet unauthenticated) JSON-RPC channel to
// the hub, prints an authorization URL whose redirect target is the
// hub's own /oidc-callback endpoint, and blocks on get_authentication_response
// until the hub's HTTP handler relays back the code the user's browser
// delivered there. This works even when the process doing the logging in
// has no browser or reachable loopback address of its own, e.g. a headless
// exporter host. On success the resulting tokens are stored under hubURL
// and returned.
func Login(ctx context.Context, client *httpclient.Client, hubURL string, store *Store, print PrintURL) (*Tokens, error) {
	var info HubAuthInfo
	if err := client.GetJSON(ctx, hubURL+"/api/v1/auth-info", &info, nil); err != nil {
		return nil, fmt.Errorf("fetching auth info from hub: %w", err)
	}
	if info.Issuer == "" {
		return nil, apperr.AuthError("hub has no authentication configured")
	}

	auth, err := NewAuthenticator(ctx, Config{
		Issuer:      info.Issuer,
		ClientID:    info.ClientID,
		RedirectURL: hubURL + "/oidc-callback",
	})
	if err != nil {
		return nil, err
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := wsconn.Dial(connCtx, client, hubURL+"/ws", http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}
	defer conn.Close()

	channel := jsonrpc.New(connCtx, conn)
	serveErr := make(chan error, 1)
	go func() { serveErr <- channel.Serve(connCtx) }()

	if print == nil {
		print = printURLToStdout
	}
	print(auth.AuthCodeURL(state, challenge))

	result, err := channel.Call(connCtx, "get_authentication_response", nil, map[string]interface{}{"state": state})
	if err != nil {
		return nil, err
	}

	var reply struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, fmt.Errorf("decoding get_authentication_response reply: %w", err)
	}

	tokens, err := auth.Exchange(ctx, reply.Code, verifier)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, hubURL, tokens); err != nil {
		return nil, fmt.Errorf("storing tokens: %w", err)
	}
	return tokens, nil
}

func printURLToStdout(url string) {
	logger.Auth().Info().Str("url", url).Msg("open this URL in a browser to log in")
}
