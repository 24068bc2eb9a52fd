// Package wsconn adapts gorilla/websocket connections to the jsonrpc.Conn
// interface, translating JSON-RPC's "one JSON document per message" model
// onto WebSocket text frames, and performs the HTTP-upgrade dial through
// the project's proxy-aware httpclient.Client (spec.md §4.1's WebSocket
// channel specialization and §6's "GET /ws" upgrade route).
package wsconn

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/holesch/not-my-board/internal/httpclient"
)

// Conn wraps a *websocket.Conn so it satisfies jsonrpc.Conn.
type Conn struct {
	ws *websocket.Conn
}

// Wrap adapts an already-established websocket connection, e.g. one
// accepted by an http.Handler via websocket.Upgrader.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Dial performs the HTTP-upgrade handshake to rawURL ("ws://" or
// "wss://"), transparently tunnelling through the configured HTTP proxy
// the same way httpclient.Client does for plain requests.
func Dial(ctx context.Context, client *httpclient.Client, rawURL string, header http.Header) (*Conn, error) {
	httpURL, err := toHTTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  client.TLSConfigFor(hostOf(httpURL)),
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return client.DialRaw(ctx, httpURL)
		},
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial to %s failed: %s", rawURL, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial to %s failed: %w", rawURL, err)
	}
	return Wrap(ws), nil
}

// toHTTPURL rewrites ws(s):// to http(s):// so the shared URL parser and
// proxy resolver in httpclient can operate on it.
func toHTTPURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
