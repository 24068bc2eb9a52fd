package hub

import (
	"context"
	"sync"
	"time"

	"github.com/holesch/not-my-board/internal/jsonrpc"
)

// Conn is the hub's per-connection state: the JSON-RPC channel opened by
// either an exporter or an importer, and the authentication state that is
// lazily populated on the connection's first role-gated call (spec.md
// §4.4's "first such call triggers a get_id_token reverse-call").
type Conn struct {
	ID       string
	Channel  *jsonrpc.Channel
	RemoteIP string

	ctx    context.Context
	cancel context.CancelFunc

	authMu  sync.Mutex
	authed  bool
	Claims  map[string]interface{}
	Roles   map[string]bool
	expires time.Time

	PlaceID int // 0 until this connection successfully registers a place
}

// HasRole reports whether the connection's token granted role.
func (c *Conn) HasRole(role string) bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.Roles[role]
}
