package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agendarelay/pkg/protocol"
)

// Server is the relay: it accepts websocket connections, runs the
// authentication handshake, and routes events either to one user's
// connections or to every other authenticated connection.
type Server struct {
	mu       sync.RWMutex
	conns    map[string]*Connection // all live connections, authenticated or not
	sockets  map[string]*websocket.Conn
	registry *Registry
	handlers map[protocol.EventName]Handler
	config   ServerConfig
	upgrader websocket.Upgrader
	queue    chan *inboundEvent
	done     chan struct{}
	started  time.Time
	dropped  atomic.Int64
	audit    *AuditLog // nil unless configured
	log      *zap.Logger
}

type inboundEvent struct {
	conn *Connection
	env  *protocol.Envelope
}

// NewServer creates a relay server around the given registry.
func NewServer(config ServerConfig, registry *Registry, log *zap.Logger) *Server {
	if config.Port == 0 {
		config.Port = 3002
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 1024
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 1024
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongWait == 0 {
		config.PongWait = 60 * time.Second
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10000
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		conns:    make(map[string]*Connection),
		sockets:  make(map[string]*websocket.Conn),
		registry: registry,
		handlers: make(map[protocol.EventName]Handler),
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // desktop clients connect from file:// origins
			},
		},
		queue:   make(chan *inboundEvent, 10000),
		done:    make(chan struct{}),
		started: time.Now(),
		log:     log,
	}
	s.registerDefaultHandlers()
	return s
}

// SetAudit attaches an optional audit log for presence changes and dropped
// deliveries. Must be called before ProcessEvents starts.
func (s *Server) SetAudit(a *AuditLog) { s.audit = a }

// RegisterHandler registers a handler for a specific event name.
func (s *Server) RegisterHandler(event protocol.EventName, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

// Registry exposes the connection registry for read-only consumers.
func (s *Server) Registry() *Registry { return s.registry }

// Stats returns a point-in-time view of the server.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	open := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		Connections:       open,
		Authenticated:     s.registry.Count(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		DroppedDeliveries: s.dropped.Load(),
	}
}

// DroppedDeliveries returns the number of targeted events dropped because
// their target had no live connection.
func (s *Server) DroppedDeliveries() int64 { return s.dropped.Load() }

// RegisterRoutes mounts the websocket endpoint and the HTTP surface on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":   "agenda relay server",
		"timestamp": time.Now().Unix(),
		"port":      s.config.Port,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "online",
		"connections":       stats.Connections,
		"authenticated":     stats.Authenticated,
		"uptime":            stats.UptimeSeconds,
		"droppedDeliveries": stats.DroppedDeliveries,
	})
}

// ServeWS upgrades an HTTP request to a websocket connection and starts its
// read/write pumps. The connection starts unauthenticated; identity arrives
// with the authenticate event.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if len(s.conns) >= s.config.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("max connections reached, rejecting")
		ws.Close()
		return
	}
	s.mu.Unlock()

	conn := &Connection{
		ID:           "conn_" + uuid.New().String()[:12],
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		outChan:      make(chan *protocol.Envelope, 100),
	}

	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.sockets[conn.ID] = ws
	s.mu.Unlock()

	s.log.Info("client connected", zap.String("connId", conn.ID))

	go s.readPump(conn, ws)
	go s.writePump(conn, ws)
}

// readPump reads incoming envelopes from one connection and feeds them to
// the processing queue in arrival order.
func (s *Server) readPump(conn *Connection, ws *websocket.Conn) {
	defer func() {
		s.removeConnection(conn.ID, "transport closed")
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error", zap.String("connId", conn.ID), zap.Error(err))
			}
			return
		}

		conn.LastActivity = time.Now()
		ws.SetReadDeadline(time.Now().Add(s.config.PongWait))

		s.queue <- &inboundEvent{conn: conn, env: &env}
	}
}

// writePump drains the connection's outbound channel and keeps the transport
// alive with control pings.
func (s *Server) writePump(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case env, ok := <-conn.outChan:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// ProcessEvents is the main event processing loop. Events are handled
// strictly in arrival order per connection; a failing handler never affects
// other connections.
func (s *Server) ProcessEvents() {
	for {
		select {
		case <-s.done:
			return
		case in := <-s.queue:
			s.processEvent(in.conn, in.env)
		}
	}
}

func (s *Server) processEvent(conn *Connection, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				zap.String("event", string(env.Event)),
				zap.String("connId", conn.ID),
				zap.Any("panic", r))
		}
	}()

	s.mu.RLock()
	handler, exists := s.handlers[env.Event]
	s.mu.RUnlock()

	if !exists {
		s.log.Warn("unknown event", zap.String("event", string(env.Event)),
			zap.String("connId", conn.ID))
		return
	}

	// Domain events from unauthenticated connections are dropped; only the
	// handshake and the heartbeat are allowed through.
	if !conn.Authenticated && env.Event != protocol.EventAuthenticate && env.Event != protocol.EventPing {
		s.log.Warn("event before authentication",
			zap.String("event", string(env.Event)), zap.String("connId", conn.ID))
		return
	}

	if err := handler(conn, env); err != nil {
		s.log.Warn("handler error",
			zap.String("event", string(env.Event)),
			zap.String("connId", conn.ID),
			zap.Error(err))
	}
}

// SendToConnection queues an envelope on one connection's outbound channel.
func (s *Server) SendToConnection(connID string, env *protocol.Envelope) (err error) {
	s.mu.RLock()
	conn, exists := s.conns[connID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection not found: %s", connID)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("send to closed connection",
				zap.String("connId", connID), zap.Any("panic", r))
			err = fmt.Errorf("connection closed during send: %s", connID)
		}
	}()
	select {
	case conn.outChan <- env:
		return nil
	default:
		return fmt.Errorf("outbound channel full for connection: %s", connID)
	}
}

// SendToUser delivers an envelope to every connection registered for userID
// and returns the number of connections reached. Zero is not an error at
// this level; callers decide whether that counts as a dropped delivery.
func (s *Server) SendToUser(userID string, env *protocol.Envelope) int {
	delivered := 0
	for _, conn := range s.registry.FindByUserID(userID) {
		if err := s.SendToConnection(conn.ID, env); err != nil {
			s.log.Warn("targeted send failed",
				zap.String("connId", conn.ID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Broadcast sends an envelope to every authenticated connection except
// excludeConnID.
func (s *Server) Broadcast(env *protocol.Envelope, excludeConnID string) {
	for _, conn := range s.registry.Snapshot() {
		if conn.ID == excludeConnID {
			continue
		}
		if err := s.SendToConnection(conn.ID, env); err != nil {
			s.log.Warn("broadcast send failed",
				zap.String("connId", conn.ID), zap.Error(err))
		}
	}
}

// recordDrop accounts for a targeted event whose target had no live
// connection. Best-effort delivery is a documented property; the drop is
// observable through Stats, /status and sync:response.
func (s *Server) recordDrop(event protocol.EventName, toUserID string, from protocol.Identity) {
	s.dropped.Add(1)
	s.log.Info("targeted delivery dropped",
		zap.String("event", string(event)),
		zap.String("toUserId", toUserID),
		zap.String("fromUserId", from.UserID))
	if s.audit != nil {
		s.audit.RecordDrop(event, toUserID, from)
	}
}

// removeConnection removes a connection and, when it was authenticated,
// announces the departure to everyone else. Safe to call for connections
// that never authenticated, and safe to call twice.
func (s *Server) removeConnection(connID, reason string) {
	s.mu.Lock()
	conn, exists := s.conns[connID]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	delete(s.sockets, connID)
	s.mu.Unlock()

	close(conn.outChan)

	// The registry is the authority on whether this connection ever
	// authenticated; its lock also orders this read after the handshake.
	registered := s.registry.Unregister(connID)
	if registered == nil {
		s.log.Info("client disconnected",
			zap.String("connId", connID), zap.String("reason", reason))
		return
	}

	s.log.Info("client disconnected",
		zap.String("connId", connID),
		zap.String("userId", registered.Identity.UserID),
		zap.String("reason", reason))

	if s.audit != nil {
		s.audit.RecordPresence("disconnected", registered)
	}

	s.Broadcast(&protocol.Envelope{
		Event:   protocol.EventUserDisconnected,
		Payload: registered.Identity.Map(),
	}, connID)
}

// Stop gracefully stops the server and closes every open socket.
func (s *Server) Stop() {
	close(s.done)
	s.mu.Lock()
	for _, ws := range s.sockets {
		ws.Close()
	}
	s.mu.Unlock()
}
