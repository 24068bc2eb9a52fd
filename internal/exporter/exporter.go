package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/usbip"
	"github.com/holesch/not-my-board/internal/wsconn"
)

// Exporter owns one process's published place: its proxy tunnel, its
// embedded USB/IP server, and the hub-side channel that registers the
// place and answers the hub's lazy get_id_token/set_allowed_ips calls
// (spec.md §4.5's exporter role).
type Exporter struct {
	desc   *config.ExportDescription
	kernel *usbip.OSKernelOps
	server *usbip.Server
	allow  *allowList
	proxy  *Proxy

	client  *httpclient.Client
	hubURL  string
	channel *jsonrpc.Channel

	tokenMu sync.Mutex
	tokens  *authn.Tokens
	store   *authn.Store

	log *zerolog.Logger
}

// New builds an Exporter for desc, using kernel for every USB driver-
// binding operation. tokens is the exporter's currently valid bearer
// token pair, as loaded from store by the caller.
func New(desc *config.ExportDescription, kernel *usbip.OSKernelOps, store *authn.Store, tokens *authn.Tokens, client *httpclient.Client, hubURL string) (*Exporter, error) {
	devices, err := collectDevices(desc, kernel)
	if err != nil {
		return nil, err
	}

	usbServer := usbip.NewServer(devices, kernel)
	allow := newAllowList()
	proxy := NewProxy(desc, usbServer, allow)

	return &Exporter{
		desc:    desc,
		kernel:  kernel,
		server:  usbServer,
		allow:   allow,
		proxy:   proxy,
		client:  client,
		hubURL:  hubURL,
		tokens:  tokens,
		store:   store,
		log:     logger.Exporter(),
	}, nil
}

// collectDevices resolves every usb export in desc to a usbip.Device,
// reading its wire descriptor out of sysfs up front (spec.md §4.3's
// descriptor is static and collected once at startup).
func collectDevices(desc *config.ExportDescription, kernel *usbip.OSKernelOps) ([]usbip.Device, error) {
	var devices []usbip.Device
	for _, part := range desc.Parts {
		for _, export := range part.USB {
			if !usbip.ValidBusID(export.UsbID) {
				return nil, fmt.Errorf("invalid usbid %q", export.UsbID)
			}
			descriptor, err := kernel.DescriptorFromSysfs(export.UsbID)
			if err != nil {
				return nil, fmt.Errorf("reading descriptor for %s: %w", export.UsbID, err)
			}
			devices = append(devices, usbip.Device{BusID: export.UsbID, Descriptor: descriptor})
		}
	}
	return devices, nil
}

// ServeProxy runs the CONNECT proxy's accept loop on a TCP listener bound
// to desc.Port until ctx is cancelled.
func (e *Exporter) ServeProxy(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", e.desc.Port))
	if err != nil {
		return fmt.Errorf("listening on proxy port %d: %w", e.desc.Port, err)
	}
	return e.proxy.Serve(ctx, listener)
}

// Register dials the hub's WebSocket endpoint, registers the
// get_id_token/set_allowed_ips handlers the hub drives this connection
// with, and calls register_place with the loaded export description.
func (e *Exporter) Register(ctx context.Context) (int, error) {
	conn, err := wsconn.Dial(ctx, e.client, e.hubURL+"/ws", http.Header{})
	if err != nil {
		return 0, fmt.Errorf("dialing hub: %w", err)
	}

	e.channel = jsonrpc.New(ctx, conn)
	e.channel.Register("get_id_token", e.handleGetIDToken)
	e.channel.Register("set_allowed_ips", e.handleSetAllowedIPs)

	kwargs := map[string]interface{}{"export": e.desc}
	result, err := e.channel.Call(ctx, "register_place", nil, kwargs)
	if err != nil {
		return 0, err
	}
	var reply struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return 0, fmt.Errorf("decoding register_place reply: %w", err)
	}
	e.log.Info().Int("place_id", reply.ID).Msg("place registered")
	return reply.ID, nil
}

// Serve drains the hub channel until it closes or ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context) error {
	return e.channel.Serve(ctx)
}

func (e *Exporter) handleGetIDToken(ctx context.Context, params json.RawMessage) (interface{}, error) {
	e.tokenMu.Lock()
	defer e.tokenMu.Unlock()
	if e.tokens == nil {
		return nil, apperr.AuthError("exporter has no valid ID token")
	}
	return e.tokens.IDToken, nil
}

type setAllowedIPsParams struct {
	IPs []string `json:"ips"`
}

func (e *Exporter) handleSetAllowedIPs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p setAllowedIPsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	e.log.Debug().Strs("ips", p.IPs).Msg("allow-list updated")
	e.allow.Set(p.IPs)
	return nil, nil
}

// RunRefresh drives the background token-refresh loop, persisting every
// refreshed pair to the token store so a restart picks up where this
// process left off.
func (e *Exporter) RunRefresh(ctx context.Context, refresher *authn.Refresher, claims map[string]interface{}, rolesOf func(map[string]interface{}) map[string]bool) error {
	e.tokenMu.Lock()
	tokens := e.tokens
	e.tokenMu.Unlock()

	return refresher.Run(ctx, tokens, claims, rolesOf, func(newTokens *authn.Tokens) error {
		e.tokenMu.Lock()
		e.tokens = newTokens
		e.tokenMu.Unlock()
		return e.store.Put(ctx, e.hubURL, newTokens)
	})
}
