package jsonrpc

// Conn is the minimal framed message transport a Channel runs over: one
// JSON document per ReadMessage/WriteMessage call. gorilla/websocket's
// *websocket.Conn satisfies a superset of this (see internal/wsconn), and
// a newline-delimited framing is used for the agent's local Unix socket.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}
