package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/wsconn"
)

// Server wires a Hub to gin's router: the read-only /api/v1 endpoints,
// the OIDC redirect target, and the /ws upgrade that hands every new
// connection a jsonrpc.Channel bound into the Hub.
type Server struct {
	hub    *Hub
	engine *gin.Engine
}

// NewServer builds the router. Call Handler to get the http.Handler to
// pass to an http.Server, mirroring the teacher's cmd/main.go wiring of
// gin.Engine into a stdlib server rather than calling engine.Run directly.
func NewServer(h *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{hub: h, engine: router}
	router.GET("/api/v1/places", s.listPlaces)
	router.GET("/api/v1/auth-info", s.authInfo)
	router.GET("/oidc-callback", s.oidcCallback)
	router.GET("/ws", s.serveWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) listPlaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"places": s.hub.engine.Places()})
}

func (s *Server) authInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.AuthInfo())
}

// oidcCallback is the browser redirect target at the end of the
// authorization-code flow: it never renders anything interactive, it just
// hands the code back to whichever get_authentication_response call is
// waiting on this state and tells the user's browser it can be closed.
func (s *Server) oidcCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if errParam := c.Query("error"); errParam != "" {
		s.hub.DeliverCallback(state, "", errors.New(errParam))
		c.String(http.StatusOK, "authentication failed: %s", errParam)
		return
	}
	s.hub.DeliverCallback(state, code, nil)
	c.String(http.StatusOK, "authentication complete, you can close this tab")
}

// serveWS upgrades the connection and drives its JSON-RPC channel until it
// closes or the hub cancels it (e.g. PermissionLost on token refresh).
// Authentication happens lazily: nothing here inspects credentials, since
// spec.md §4.4 ties the first get_id_token reverse-call to the
// connection's first role-gated method call, not to the upgrade itself.
func (s *Server) serveWS(c *gin.Context) {
	ws, err := wsconn.Upgrade(c.Writer, c.Request)
	if err != nil {
		logger.Hub().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch := jsonrpc.New(ctx, ws)
	conn := s.hub.Bind(ctx, ch, c.ClientIP(), cancel)
	defer s.hub.Unbind(conn)

	if err := ch.Serve(ctx); err != nil {
		logger.Hub().Debug().Err(err).Str("conn_id", conn.ID).Msg("jsonrpc channel closed")
	}
}
