package realtime

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/metrics"
)

const writeWait = 10 * time.Second

// Authenticator resolves the caller of an upgrade request. It runs on every
// connect, so a reconnecting viewer re-asserts its credential.
type Authenticator func(r *http.Request) (userID string, err error)

// ServerConfig tunes the websocket endpoint.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxConnections int
}

// Server upgrades HTTP requests to websocket connections and streams hub
// events to them. Inbound frames other than control frames are ignored.
type Server struct {
	hub      *Hub
	auth     Authenticator
	cfg      ServerConfig
	upgrader websocket.Upgrader
	conns    atomic.Int64
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewServer creates a new Server.
func NewServer(hub *Hub, auth Authenticator, cfg ServerConfig, m *metrics.Metrics, log *logger.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	return &Server{
		hub:  hub,
		auth: auth,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		log:     log,
	}
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int { return int(s.conns.Load()) }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.conns.Add(1) > int64(s.cfg.MaxConnections) {
		s.conns.Add(-1)
		http.Error(w, "maximum websocket connections reached", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Add(-1)
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to upgrade websocket connection")
		return
	}

	sub := s.hub.Subscribe(userID)
	s.metrics.SubscriberConnected()
	s.log.Info().
		Str("subscription_id", sub.ID).
		Str("user_id", userID).
		Int("connections", s.Connections()).
		Msg("Websocket subscriber connected")

	done := make(chan struct{})
	go s.reader(conn, sub, done)
	go s.writer(conn, sub, done)
}

// reader keeps the read deadline moving on pongs and notices closed sockets.
func (s *Server) reader(conn *websocket.Conn, sub *Subscription, done chan<- struct{}) {
	defer func() {
		close(done)
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("subscription_id", sub.ID).Msg("Websocket read error")
			}
			return
		}
	}
}

// writer drains the subscription and pings on an interval.
func (s *Server) writer(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		s.conns.Add(-1)
		s.metrics.SubscriberDisconnected()
		s.log.Info().Str("subscription_id", sub.ID).Str("user_id", sub.UserID).Msg("Websocket subscriber disconnected")
	}()

	for {
		select {
		case evt, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped by the hub; the client reconnects and reconciles.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			data, err := evt.Encode()
			if err != nil {
				s.log.Warn().Err(err).Str("event_type", string(evt.Type)).Msg("Failed to encode realtime event")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
