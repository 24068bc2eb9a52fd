// Package agent implements the importer side of the system (spec.md
// §4.6): matching an import description against the hub's place
// catalog, reserving and attaching to a place, and driving the local
// Unix-socket JSON-RPC surface the CLI talks to.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/usbip"
	"github.com/holesch/not-my-board/internal/wsconn"
)

// Agent is the single mutable value threaded through the importer's
// local RPC surface: the hub channel, the USB/IP kernel driver, and the
// live reservation table. Constructed once at startup, the same way
// Hub avoids mutable package-level globals.
type Agent struct {
	client   *httpclient.Client
	hubURL   string
	hubHost  string
	kernel   usbip.KernelOps
	topology usbip.VHCITopology

	channel *jsonrpc.Channel

	tokenMu sync.Mutex
	tokens  *authn.Tokens
	store   *authn.Store

	mu           sync.Mutex
	reservations map[string]*Reservation
	nameLocks    map[string]*sync.Mutex

	log *zerolog.Logger
}

// New builds an Agent that reserves places from the hub at hubURL and
// attaches USB devices through kernel/topology.
func New(client *httpclient.Client, hubURL string, kernel usbip.KernelOps, topology usbip.VHCITopology, store *authn.Store, tokens *authn.Tokens) *Agent {
	return &Agent{
		client:       client,
		hubURL:       hubURL,
		hubHost:      hostOf(hubURL),
		kernel:       kernel,
		topology:     topology,
		tokens:       tokens,
		store:        store,
		reservations: make(map[string]*Reservation),
		nameLocks:    make(map[string]*sync.Mutex),
		log:          logger.Agent(),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Connect dials the hub's WebSocket endpoint and registers the
// get_id_token handler the hub drives this connection with the first
// time it makes an importer-gated call.
func (a *Agent) Connect(ctx context.Context) error {
	conn, err := wsconn.Dial(ctx, a.client, a.hubURL+"/ws", http.Header{})
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}

	a.channel = jsonrpc.New(ctx, conn)
	a.channel.Register("get_id_token", a.handleGetIDToken)
	return nil
}

// Serve drains the hub channel until it closes or ctx is cancelled.
func (a *Agent) Serve(ctx context.Context) error {
	return a.channel.Serve(ctx)
}

func (a *Agent) handleGetIDToken(ctx context.Context, params json.RawMessage) (interface{}, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	if a.tokens == nil {
		return nil, apperr.AuthError("agent has no valid ID token")
	}
	return a.tokens.IDToken, nil
}

// RunRefresh drives the background token-refresh loop, persisting every
// refreshed pair to the token store so a restart picks up where this
// process left off. Role-loss detection is deliberately a no-op here:
// the hub's own refreshLoop independently re-validates this connection's
// roles and drops it on PermissionLost, which is the only place the
// permission rules a role check needs actually live.
func (a *Agent) RunRefresh(ctx context.Context, refresher *authn.Refresher, claims map[string]interface{}, rolesOf func(map[string]interface{}) map[string]bool) error {
	a.tokenMu.Lock()
	tokens := a.tokens
	a.tokenMu.Unlock()

	return refresher.Run(ctx, tokens, claims, rolesOf, func(newTokens *authn.Tokens) error {
		a.tokenMu.Lock()
		a.tokens = newTokens
		a.tokenMu.Unlock()
		return a.store.Put(ctx, a.hubURL, newTokens)
	})
}

// lockName serializes every operation against one reservation name,
// matching spec.md §4.6's "per name lock" requirement for reserve,
// attach, update and return. It returns the unlock function to defer.
func (a *Agent) lockName(name string) func() {
	a.mu.Lock()
	l, ok := a.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		a.nameLocks[name] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}
