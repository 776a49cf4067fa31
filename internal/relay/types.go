package relay

import (
	"time"

	"agendarelay/pkg/protocol"
)

// Connection represents one client websocket connection.
type Connection struct {
	ID            string
	Identity      protocol.Identity
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
	outChan       chan *protocol.Envelope
}

// Handler defines an event handler function signature.
type Handler func(*Connection, *protocol.Envelope) error

// ServerConfig holds configuration for the relay server.
type ServerConfig struct {
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	MaxConnections  int
	PingInterval    time.Duration
	PongWait        time.Duration
}

// Stats is a point-in-time view of the server, served on /status and in
// sync:response payloads. Connections counts every open socket, including
// those that have not authenticated yet; Authenticated counts registry
// entries only.
type Stats struct {
	Connections       int   `json:"connections"`
	Authenticated     int   `json:"authenticated"`
	UptimeSeconds     int64 `json:"uptime"`
	DroppedDeliveries int64 `json:"droppedDeliveries"`
}
