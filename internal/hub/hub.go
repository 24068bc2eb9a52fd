package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
)

// defaultRefreshLeeway is how long before a token's exp the hub proactively
// re-pulls it from the connection's peer via get_id_token.
const defaultRefreshLeeway = 30 * time.Second

// callbackResult is what a pending OIDC callback future resolves to: the
// authorization code, or the error the hub's HTTP handler observed.
type callbackResult struct {
	code string
	err  error
}

// Hub is the single mutable value threaded through every hub request:
// the place registry/reservation engine, the connection registry, the
// loaded authentication config and verifier, and the pending OIDC
// callback futures keyed by state. Constructed once at startup, per
// spec.md §9's note to avoid mutable package-level globals.
type Hub struct {
	engine *Engine
	auth   *config.AuthConfig
	verify *authn.Authenticator // nil if auth is disabled

	log *zerolog.Logger

	connMu sync.RWMutex
	conns  map[string]*Conn

	callbackMu sync.Mutex
	callbacks  map[string]chan callbackResult
}

// New constructs a Hub. verify may be nil, in which case authentication is
// disabled: no get_id_token call is made and role-gated methods
// (register_place, reserve, return_reservation) perform no role check.
func New(auth *config.AuthConfig, verify *authn.Authenticator) *Hub {
	return &Hub{
		engine:    NewEngine(),
		auth:      auth,
		verify:    verify,
		log:       logger.Hub(),
		conns:     make(map[string]*Conn),
		callbacks: make(map[string]chan callbackResult),
	}
}

// AuthInfo is the GET /api/v1/auth-info response body.
type AuthInfo struct {
	Issuer     string   `json:"issuer,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
	ShowClaims []string `json:"show_claims,omitempty"`
}

// AuthInfo returns the discovery information unauthenticated clients need
// to start the OIDC flow.
func (h *Hub) AuthInfo() AuthInfo {
	if h.auth == nil {
		return AuthInfo{}
	}
	info := AuthInfo{Issuer: h.auth.Issuer, ClientID: h.auth.ClientID}
	if issuerCfg, ok := h.auth.Issuers[h.auth.Issuer]; ok {
		info.ShowClaims = issuerCfg.ShowClaims
	}
	return info
}

// Bind registers a freshly accepted connection and wires its JSON-RPC
// methods. No authentication happens here: spec.md §4.4 ties the first
// get_id_token reverse-call to the connection's first role-gated method
// call, not to connection setup. cancel aborts ctx (and so Channel.Serve)
// when the hub needs to drop this connection unilaterally, e.g. on
// PermissionLost after a token refresh.
func (h *Hub) Bind(ctx context.Context, ch *jsonrpc.Channel, remoteIP string, cancel context.CancelFunc) *Conn {
	conn := &Conn{
		ID:       uuid.NewString(),
		Channel:  ch,
		RemoteIP: normalizeHost(remoteIP),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.connMu.Lock()
	h.conns[conn.ID] = conn
	h.connMu.Unlock()

	h.registerMethods(conn)
	return conn
}

// Unbind removes conn from the registry and, if it had registered a
// place, releases it. Each waiter that failed as a result already
// observed its own AllCandidatesGone error from RemovePlace.
func (h *Hub) Unbind(conn *Conn) {
	h.connMu.Lock()
	delete(h.conns, conn.ID)
	h.connMu.Unlock()

	if conn.PlaceID == 0 {
		return
	}
	h.engine.RemovePlace(conn.PlaceID)
}

func (h *Hub) permissionRules() []config.PermissionRule {
	if h.auth == nil {
		return nil
	}
	return h.auth.Permissions
}

// ensureAuthenticated performs the lazy get_id_token reverse-call the
// first time conn makes a role-gated request, then spawns the background
// refresh task that keeps conn.Roles current until the connection closes.
func (h *Hub) ensureAuthenticated(ctx context.Context, conn *Conn) error {
	conn.authMu.Lock()
	defer conn.authMu.Unlock()
	if conn.authed {
		return nil
	}
	if h.verify == nil {
		conn.authed = true
		conn.Claims = map[string]interface{}{}
		conn.Roles = map[string]bool{}
		return nil
	}

	claims, expires, err := h.pullIDToken(ctx, conn)
	if err != nil {
		return err
	}
	conn.Claims = claims
	conn.Roles = rolesFromClaims(h.permissionRules(), claims)
	conn.expires = expires
	conn.authed = true

	if !expires.IsZero() {
		go h.refreshLoop(conn)
	}
	return nil
}

// pullIDToken issues the get_id_token reverse-call spec.md §4.4 requires
// the peer to implement, then validates the returned token via OIDC
// discovery/JWKS the same way the agent/exporter's own authn package
// validates tokens it receives.
func (h *Hub) pullIDToken(ctx context.Context, conn *Conn) (map[string]interface{}, time.Time, error) {
	raw, err := conn.Channel.Call(ctx, "get_id_token", nil, nil)
	if err != nil {
		return nil, time.Time{}, apperr.Wrap(apperr.CodeAuthError, "get_id_token call failed", err)
	}
	var idToken string
	if err := json.Unmarshal(raw, &idToken); err != nil {
		return nil, time.Time{}, apperr.AuthError("get_id_token did not return a string")
	}

	token, err := h.verify.Verify(ctx, idToken)
	if err != nil {
		return nil, time.Time{}, err
	}
	claims, err := authn.Claims(token)
	if err != nil {
		return nil, time.Time{}, err
	}
	return claims, token.Expiry, nil
}

// refreshLoop wakes defaultRefreshLeeway before the connection's current
// token expires, re-pulls it, and drops the connection with
// PermissionLost if the refreshed token lost a previously granted role.
func (h *Hub) refreshLoop(conn *Conn) {
	for {
		conn.authMu.Lock()
		exp := conn.expires
		prevRoles := conn.Roles
		conn.authMu.Unlock()
		if exp.IsZero() {
			return
		}

		wait := time.Until(exp) - defaultRefreshLeeway
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-conn.ctx.Done():
			return
		}
		if conn.ctx.Err() != nil {
			return
		}

		claims, expires, err := h.pullIDToken(conn.ctx, conn)
		if err != nil {
			h.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("token refresh failed")
			return
		}
		newRoles := rolesFromClaims(h.permissionRules(), claims)

		conn.authMu.Lock()
		conn.Claims = claims
		conn.Roles = newRoles
		conn.expires = expires
		conn.authMu.Unlock()

		for role := range prevRoles {
			if !newRoles[role] {
				h.log.Warn().Str("conn_id", conn.ID).Str("role", role).Msg("permission lost on token refresh")
				conn.cancel()
				return
			}
		}
	}
}

func (h *Hub) registerMethods(conn *Conn) {
	conn.Channel.Register("register_place", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return h.handleRegisterPlace(ctx, conn, params)
	})
	conn.Channel.Register("reserve", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return h.handleReserve(ctx, conn, params)
	})
	conn.Channel.Register("return_reservation", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return h.handleReturnReservation(ctx, conn, params)
	})
	conn.Channel.Register("get_authentication_response", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return h.handleGetAuthenticationResponse(ctx, params)
	})
}

// requireRole authenticates conn on first use (pulling and verifying its
// id token via get_id_token) and checks it was granted role. With
// authentication disabled (no verifier) every role is granted.
func (h *Hub) requireRole(ctx context.Context, conn *Conn, role string) error {
	if h.verify == nil {
		return nil
	}
	if err := h.ensureAuthenticated(ctx, conn); err != nil {
		return err
	}
	if !conn.HasRole(role) {
		return apperr.PermissionDenied(role)
	}
	return nil
}

type registerPlaceParams struct {
	Export config.ExportDescription `json:"export"`
}

func (h *Hub) handleRegisterPlace(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
	if err := h.requireRole(ctx, conn, "exporter"); err != nil {
		return nil, err
	}
	var p registerPlaceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "malformed register_place params")
	}

	place := Place{Host: conn.RemoteIP, Port: p.Export.Port}
	for _, part := range p.Export.Parts {
		exported := ExportedPart{Compatible: part.Compatible, USB: map[string]USBExport{}, TCP: map[string]TCPExport{}}
		for name, usb := range part.USB {
			exported.USB[name] = USBExport{UsbID: usb.UsbID}
		}
		for name, tcp := range part.TCP {
			exported.TCP[name] = TCPExport{Host: tcp.Host, Port: tcp.Port}
		}
		place.Parts = append(place.Parts, exported)
	}

	id := h.engine.RegisterPlace(place, conn.ID)
	conn.PlaceID = id
	h.log.Info().Int("place_id", id).Str("host", place.Host).Msg("place registered")
	return map[string]int{"id": id}, nil
}

type reserveParams struct {
	CandidateIDs []int `json:"candidate_ids"`
}

func (h *Hub) handleReserve(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
	if err := h.requireRole(ctx, conn, "importer"); err != nil {
		return nil, err
	}
	var p reserveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "malformed reserve params")
	}

	placeID, err := h.engine.Reserve(ctx, p.CandidateIDs, conn.ID)
	if err != nil {
		return nil, err
	}

	if err := h.pushAllowedIP(ctx, placeID, conn.RemoteIP); err != nil {
		h.log.Warn().Err(err).Int("place_id", placeID).Msg("set_allowed_ips failed, returning reservation")
		if _, retErr := h.engine.ReturnReservation(placeID, conn.ID); retErr != nil {
			h.log.Error().Err(retErr).Int("place_id", placeID).Msg("failed to roll back reservation after set_allowed_ips error")
		}
		return nil, apperr.Internal(err)
	}

	return map[string]int{"place_id": placeID}, nil
}

type returnReservationParams struct {
	PlaceID int `json:"place_id"`
}

func (h *Hub) handleReturnReservation(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
	if err := h.requireRole(ctx, conn, "importer"); err != nil {
		return nil, err
	}
	var p returnReservationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "malformed return_reservation params")
	}

	handoff, err := h.engine.ReturnReservation(p.PlaceID, conn.ID)
	if err != nil {
		return nil, err
	}

	newIP := ""
	if handoff.HandedOffTo != "" {
		h.connMu.RLock()
		next := h.conns[handoff.HandedOffTo]
		h.connMu.RUnlock()
		if next != nil {
			newIP = next.RemoteIP
		}
	}
	if err := h.pushAllowedIP(ctx, handoff.PlaceID, newIP); err != nil {
		h.log.Warn().Err(err).Int("place_id", handoff.PlaceID).Msg("failed to push allow-list after return")
	}

	return map[string]interface{}{}, nil
}

// pushAllowedIP calls set_allowed_ips on the exporter that owns placeID.
// ip == "" clears the allow-list back to empty. This is always called
// from directly inside the same request that resolved the engine state
// change (reserve granting immediately, or return_reservation's hand-off),
// so the exporter's allow-list is never left stale across the transition
// spec.md §9 flagged.
func (h *Hub) pushAllowedIP(ctx context.Context, placeID int, ip string) error {
	exporterConnID, ok := h.engine.ExporterConn(placeID)
	if !ok {
		return nil
	}
	h.connMu.RLock()
	exporter := h.conns[exporterConnID]
	h.connMu.RUnlock()
	if exporter == nil {
		return nil
	}

	ips := []string{}
	if ip != "" {
		ips = []string{ip}
	}
	_, err := exporter.Channel.Call(ctx, "set_allowed_ips", nil, map[string]interface{}{"ips": ips})
	return err
}

type authResponseParams struct {
	State string `json:"state"`
}

type authResponse struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// handleGetAuthenticationResponse blocks until the hub's HTTP callback
// handler delivers the authorization code for state, or ctx is cancelled.
func (h *Hub) handleGetAuthenticationResponse(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p authResponseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "malformed get_authentication_response params")
	}

	ch := h.callbackChannel(p.State)
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return authResponse{State: p.State, Code: res.code}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) callbackChannel(state string) chan callbackResult {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	ch, ok := h.callbacks[state]
	if !ok {
		ch = make(chan callbackResult, 1)
		h.callbacks[state] = ch
	}
	return ch
}

// DeliverCallback is invoked by the HTTP GET /oidc-callback handler once
// the browser redirect lands. It wakes up any get_authentication_response
// call already blocked on state, and caches the result for a late caller
// that hasn't made the RPC call yet.
func (h *Hub) DeliverCallback(state, code string, err error) {
	ch := h.callbackChannel(state)
	select {
	case ch <- callbackResult{code: code, err: err}:
	default:
		// already delivered; a retried browser redirect is a no-op.
	}
}
