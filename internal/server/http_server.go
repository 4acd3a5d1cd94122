// Package server constructs the gin HTTP surface that carries the WebSocket
// transport next to health and roster endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/justchat/internal/protocol"
)

// HealthBody is the health endpoint response text.
const HealthBody = "JustChat server is running!"

type rosterResponse struct {
	ServerID   string                  `json:"server_id"`
	ServerName string                  `json:"server_name"`
	Clients    []protocol.SimpleClient `json:"clients"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// newHTTPHandler configures the gin engine: "/" health check, "/clients" roster
// and "/ws" WebSocket endpoint.
func (s *Server) newHTTPHandler() http.Handler {
	origins := newOriginPolicy(s.cfg.WebSocket.AllowedOrigins, s.logger.WithField("component", "websocket"))
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}

	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(ginLogger(s.logger), ginRecovery(s.logger))

	engine.GET("/", healthHandler)
	engine.GET("/clients", s.rosterHandler)
	engine.GET("/ws", func(ctx *gin.Context) {
		s.webSocketHandler(ctx, &upgrader)
	})
	return engine
}

func healthHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, HealthBody)
}

func (s *Server) rosterHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, rosterResponse{
		ServerID:   s.cfg.ID,
		ServerName: s.cfg.Name,
		Clients:    s.GetClientList(),
	})
}

// webSocketHandler upgrades the request and runs the connection on the
// shared acceptor path.
func (s *Server) webSocketHandler(ctx *gin.Context, upgrader *websocket.Upgrader) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("component", "websocket").Warn("WebSocket upgrade failed")
		_ = ctx.Error(err)
		return
	}

	c := newConnection(s, newWSTransport(conn, s.cfg.MaxFrameSize))
	if !s.acceptor.begin(c) {
		_ = conn.Close()
		return
	}
	s.acceptor.serve(c)
}

// newHTTPServer creates the http.Server with the same timeouts the TCP side uses.
func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
