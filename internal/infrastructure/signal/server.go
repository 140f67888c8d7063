package signal

import (
	"net/http"
	"net/url"
	"strings"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests into hub clients.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.SugaredLogger
}

var _ ports.WebSocketHandler = (*Server)(nil)

// NewServer returns the /ws handler. An empty allowedOrigins list, or one
// containing "*", accepts any origin.
func NewServer(hub *Hub, opts Options, allowedOrigins []string, logger *zap.SugaredLogger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		opts:   opts,
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[strings.ToLower(strings.TrimRight(origin, "/"))] = true
	}

	return func(r *http.Request) bool {
		if len(hosts) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native clients do not send an Origin header.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// ServeWS handles GET /ws. The optional user_id query parameter is only
// used to label logs; identity is taken from the join envelope.
func (s *Server) ServeWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed",
			"remote_addr", c.ClientIP(),
			"error", err,
		)
		return
	}

	sessionID := domain.SessionID(utils.GenerateSessionID())
	client := newClient(s.hub, conn, sessionID, c.Query("user_id"), s.opts, s.logger)

	if !s.hub.registerClient(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
