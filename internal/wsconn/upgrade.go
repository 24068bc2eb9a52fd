package wsconn

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an inbound HTTP request to a WebSocket connection,
// implementing the hub's "GET /ws upgrades to WebSocket carrying JSON-RPC
// frames" interface (spec.md §6).
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(ws), nil
}
