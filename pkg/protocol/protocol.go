// Package protocol defines the wire vocabulary shared by the relay server
// and the client library. Event names exist as a closed set of constants;
// their string values appear only at the JSON boundary.
package protocol

// EventName identifies the semantic type of a relay event.
type EventName string

const (
	// Handshake
	EventAuthenticate  EventName = "authenticate"
	EventAuthenticated EventName = "authenticated"
	EventAuthError     EventName = "authentication:error"

	// Presence
	EventUserConnected    EventName = "user:connected"
	EventUserDisconnected EventName = "user:disconnected"

	// Scheduling records
	EventAgendamentoCreate EventName = "agendamento:create"
	EventAgendamentoUpdate EventName = "agendamento:update"
	EventAgendamentoDelete EventName = "agendamento:delete"
	EventAgendamentoShared EventName = "agendamento:shared"

	// Notifications
	EventNotificationSend     EventName = "notification:send"
	EventNotificationReceived EventName = "notification:received"
	EventNotificationRead     EventName = "notification:read"

	// Status changes
	EventStatusUpdate    EventName = "status:update"
	EventStatusUpdated   EventName = "status:updated"
	EventStatusComplete  EventName = "status:complete"
	EventStatusCompleted EventName = "status:completed"
	EventStatusCancel    EventName = "status:cancel"
	EventStatusCancelled EventName = "status:cancelled"

	// Snapshots
	EventSyncRequest   EventName = "sync:request"
	EventSyncResponse  EventName = "sync:response"
	EventSearchQuery   EventName = "search:query"
	EventSearchResults EventName = "search:results"

	// Heartbeat
	EventPing EventName = "ping"
	EventPong EventName = "pong"
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event   EventName              `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Identity is the user identity asserted during authentication.
type Identity struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
}

// Map renders the identity as a payload fragment.
func (id Identity) Map() map[string]interface{} {
	return map[string]interface{}{
		"userId":      id.UserID,
		"userName":    id.UserName,
		"displayName": id.DisplayName,
	}
}

// IdentityFromPayload extracts an identity from an event payload. Missing
// fields are left blank; validation is the caller's concern.
func IdentityFromPayload(p map[string]interface{}) Identity {
	return Identity{
		UserID:      PayloadString(p, "userId"),
		UserName:    PayloadString(p, "userName"),
		DisplayName: PayloadString(p, "displayName"),
	}
}

// PayloadString returns the string value under key, or "" when absent or of
// another type.
func PayloadString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}
