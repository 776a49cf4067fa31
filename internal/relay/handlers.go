package relay

import (
	"fmt"
	"strings"
	"time"

	"agendarelay/pkg/protocol"
)

func (s *Server) registerDefaultHandlers() {
	s.handlers[protocol.EventAuthenticate] = s.handleAuthenticate
	s.handlers[protocol.EventAgendamentoCreate] = s.handleAgendamentoChange
	s.handlers[protocol.EventAgendamentoUpdate] = s.handleAgendamentoChange
	s.handlers[protocol.EventAgendamentoDelete] = s.handleAgendamentoChange
	s.handlers[protocol.EventAgendamentoShared] = s.handleAgendamentoShared
	s.handlers[protocol.EventNotificationSend] = s.handleNotificationSend
	s.handlers[protocol.EventNotificationRead] = s.handleNotificationRead
	s.handlers[protocol.EventStatusUpdate] = s.handleStatusChange
	s.handlers[protocol.EventStatusComplete] = s.handleStatusChange
	s.handlers[protocol.EventStatusCancel] = s.handleStatusChange
	s.handlers[protocol.EventSyncRequest] = s.handleSyncRequest
	s.handlers[protocol.EventSearchQuery] = s.handleSearchQuery
	s.handlers[protocol.EventPing] = s.handlePing
}

// decorate copies the payload and attaches the sender identity and a server
// timestamp, so receivers always know who an event came from.
func decorate(conn *Connection, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		out[k] = v
	}
	out["userId"] = conn.Identity.UserID
	out["userName"] = conn.Identity.UserName
	out["displayName"] = conn.Identity.DisplayName
	out["timestamp"] = time.Now().Unix()
	return out
}

// handleAuthenticate runs the identity handshake. A missing userId keeps the
// connection open but unauthenticated and reports authentication:error back.
func (s *Server) handleAuthenticate(conn *Connection, env *protocol.Envelope) error {
	identity := protocol.IdentityFromPayload(env.Payload)
	if identity.UserID == "" {
		s.SendToConnection(conn.ID, &protocol.Envelope{
			Event:   protocol.EventAuthError,
			Payload: map[string]interface{}{"message": "userId is required"},
		})
		return fmt.Errorf("authenticate without userId on %s", conn.ID)
	}

	conn.Identity = identity
	conn.Authenticated = true
	s.registry.Register(conn)

	if s.audit != nil {
		s.audit.RecordPresence("connected", conn)
	}

	s.SendToConnection(conn.ID, &protocol.Envelope{
		Event: protocol.EventAuthenticated,
		Payload: map[string]interface{}{
			"success":        true,
			"userId":         identity.UserID,
			"userData":       identity.Map(),
			"connectedUsers": s.registry.ListAll(),
		},
	})

	s.Broadcast(&protocol.Envelope{
		Event:   protocol.EventUserConnected,
		Payload: identity.Map(),
	}, conn.ID)

	return nil
}

// handleAgendamentoChange rebroadcasts create/update/delete as a single
// agendamento:update event carrying the action name.
func (s *Server) handleAgendamentoChange(conn *Connection, env *protocol.Envelope) error {
	action := strings.TrimPrefix(string(env.Event), "agendamento:")
	payload := decorate(conn, env.Payload)
	payload["action"] = action

	s.Broadcast(&protocol.Envelope{
		Event:   protocol.EventAgendamentoUpdate,
		Payload: payload,
	}, conn.ID)
	return nil
}

// handleAgendamentoShared delivers a shared record to one user plus a
// companion notification. An offline target is a documented best-effort drop.
func (s *Server) handleAgendamentoShared(conn *Connection, env *protocol.Envelope) error {
	toUserID := protocol.PayloadString(env.Payload, "toUserId")
	if toUserID == "" {
		return fmt.Errorf("agendamento:shared without toUserId from %s", conn.Identity.UserID)
	}

	now := time.Now().Unix()
	shared := map[string]interface{}{
		"agendamento": env.Payload["agendamento"],
		"fromUser":    conn.Identity.Map(),
		"message":     env.Payload["message"],
		"timestamp":   now,
	}
	delivered := s.SendToUser(toUserID, &protocol.Envelope{
		Event:   protocol.EventAgendamentoShared,
		Payload: shared,
	})
	if delivered == 0 {
		s.recordDrop(protocol.EventAgendamentoShared, toUserID, conn.Identity)
		return nil
	}

	message := protocol.PayloadString(env.Payload, "message")
	if message == "" {
		message = fmt.Sprintf("%s compartilhou um agendamento com você", conn.Identity.DisplayName)
	}
	s.SendToUser(toUserID, &protocol.Envelope{
		Event: protocol.EventNotificationReceived,
		Payload: map[string]interface{}{
			"notification": map[string]interface{}{
				"title":       "Agendamento compartilhado",
				"message":     message,
				"agendamento": env.Payload["agendamento"],
			},
			"fromUser":  conn.Identity.Map(),
			"timestamp": now,
		},
	})
	return nil
}

func (s *Server) handleNotificationSend(conn *Connection, env *protocol.Envelope) error {
	toUserID := protocol.PayloadString(env.Payload, "toUserId")
	if toUserID == "" {
		return fmt.Errorf("notification:send without toUserId from %s", conn.Identity.UserID)
	}

	delivered := s.SendToUser(toUserID, &protocol.Envelope{
		Event: protocol.EventNotificationReceived,
		Payload: map[string]interface{}{
			"notification": env.Payload["notification"],
			"fromUser":     conn.Identity.Map(),
			"timestamp":    time.Now().Unix(),
		},
	})
	if delivered == 0 {
		s.recordDrop(protocol.EventNotificationSend, toUserID, conn.Identity)
	}
	return nil
}

func (s *Server) handleNotificationRead(conn *Connection, env *protocol.Envelope) error {
	s.Broadcast(&protocol.Envelope{
		Event: protocol.EventNotificationRead,
		Payload: map[string]interface{}{
			"notificationId": env.Payload["notificationId"],
			"userId":         conn.Identity.UserID,
		},
	}, conn.ID)
	return nil
}

// statusOutEvents maps inbound status changes to their announced form.
var statusOutEvents = map[protocol.EventName]protocol.EventName{
	protocol.EventStatusUpdate:   protocol.EventStatusUpdated,
	protocol.EventStatusComplete: protocol.EventStatusCompleted,
	protocol.EventStatusCancel:   protocol.EventStatusCancelled,
}

// handleStatusChange announces a status transition; with a toUserId the
// announcement is targeted, otherwise it goes to everyone else.
func (s *Server) handleStatusChange(conn *Connection, env *protocol.Envelope) error {
	out, ok := statusOutEvents[env.Event]
	if !ok {
		return fmt.Errorf("unexpected status event %s", env.Event)
	}

	payload := decorate(conn, env.Payload)
	envOut := &protocol.Envelope{Event: out, Payload: payload}

	if toUserID := protocol.PayloadString(env.Payload, "toUserId"); toUserID != "" {
		if s.SendToUser(toUserID, envOut) == 0 {
			s.recordDrop(env.Event, toUserID, conn.Identity)
		}
		return nil
	}

	s.Broadcast(envOut, conn.ID)
	return nil
}

func (s *Server) handleSyncRequest(conn *Connection, env *protocol.Envelope) error {
	stats := s.Stats()
	s.SendToConnection(conn.ID, &protocol.Envelope{
		Event: protocol.EventSyncResponse,
		Payload: map[string]interface{}{
			"connectedUsers": s.registry.ListAll(),
			"stats":          stats,
			"timestamp":      time.Now().Unix(),
		},
	})
	return nil
}

// handleSearchQuery echoes the query shape back; search itself runs against
// the client's local records, outside the relay.
func (s *Server) handleSearchQuery(conn *Connection, env *protocol.Envelope) error {
	s.SendToConnection(conn.ID, &protocol.Envelope{
		Event: protocol.EventSearchResults,
		Payload: map[string]interface{}{
			"query":   env.Payload["query"],
			"filters": env.Payload["filters"],
			"results": []interface{}{},
		},
	})
	return nil
}

func (s *Server) handlePing(conn *Connection, env *protocol.Envelope) error {
	s.SendToConnection(conn.ID, &protocol.Envelope{
		Event:   protocol.EventPong,
		Payload: map[string]interface{}{"timestamp": time.Now().Unix()},
	})
	return nil
}
