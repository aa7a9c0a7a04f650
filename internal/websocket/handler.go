package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arena/internal/auth"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

// HandlerConfig holds heartbeat and frame limits.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultHandlerConfig returns the heartbeat defaults: ping every 30s and
// drop the connection after 60s of silence.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: types.MaxClientFrameLen + 1024,
	}
}

// Handler upgrades authenticated HTTP requests to websocket channels and
// pumps inbound frames into the router.
type Handler struct {
	authenticator *auth.Authenticator
	router        interfaces.MessageRouter
	config        HandlerConfig
	upgrader      websocket.Upgrader
	log           *logrus.Entry

	mu    sync.Mutex
	conns map[*Connection]struct{}
	wg    sync.WaitGroup
}

// NewHandler creates a websocket handler.
func NewHandler(authenticator *auth.Authenticator, router interfaces.MessageRouter, config HandlerConfig, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		authenticator: authenticator,
		router:        router,
		config:        config,
		log:           logger.WithField("component", "websocket"),
		conns:         make(map[*Connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates the caller before upgrading so that invalid
// requests get a plain HTTP error and never hold a socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Verify(auth.TokenFromRequest(r))
	if err != nil {
		h.log.WithError(err).Debug("Rejected websocket authentication")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(wsConn, identity.UserID, identity.Handle)
	h.track(conn)
	h.log.WithFields(logrus.Fields{"user_id": conn.GetUserID(), "conn_id": conn.GetID()}).Info("Channel opened")

	h.wg.Add(1)
	go h.handleConnection(conn)
}

func (h *Handler) track(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// ActiveConnections returns the number of open channels.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll shuts down every open channel, letting queued frames go out,
// and waits for their read loops. Channels still open when ctx ends are
// closed outright.
func (h *Handler) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, conn := range conns {
			_ = conn.Close()
		}
		return ctx.Err()
	}
}

// handleConnection runs the heartbeat and the read pump. A read failure or
// missed heartbeat is reported to the router as a disconnect.
func (h *Handler) handleConnection(conn *Connection) {
	log := h.log.WithFields(logrus.Fields{"user_id": conn.GetUserID(), "conn_id": conn.GetID()})
	defer func() {
		h.router.Disconnected(conn)
		_ = conn.Close()
		h.untrack(conn)
		h.wg.Done()
		log.Info("Channel closed")
	}()

	conn.conn.SetReadLimit(h.config.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		log.WithError(err).Warn("Failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Info("WebSocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.router.RouteMessage(conn.ctx, conn, data); err != nil {
			log.WithError(err).Debug("Message rejected")
		}
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
