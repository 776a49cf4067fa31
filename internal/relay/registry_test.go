package relay

import (
	"testing"
	"time"

	"agendarelay/pkg/protocol"
)

func newTestConn(connID, userID string) *Connection {
	return &Connection{
		ID: connID,
		Identity: protocol.Identity{
			UserID:      userID,
			UserName:    "user-" + userID,
			DisplayName: "User " + userID,
		},
		Authenticated: true,
		ConnectedAt:   time.Now(),
		LastActivity:  time.Now(),
		outChan:       make(chan *protocol.Envelope, 10),
	}
}

func TestRegistryRegisterAndFind(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register(newTestConn("c1", "1"))
	reg.Register(newTestConn("c2", "2"))

	found := reg.FindByUserID("1")
	if len(found) != 1 {
		t.Fatalf("FindByUserID(1) returned %d connections, want 1", len(found))
	}
	if found[0].ID != "c1" {
		t.Errorf("FindByUserID(1) returned connection %s, want c1", found[0].ID)
	}

	if got := reg.FindByUserID("missing"); len(got) != 0 {
		t.Errorf("FindByUserID(missing) returned %d connections, want 0", len(got))
	}

	if reg.Count() != 2 {
		t.Errorf("Count() = %d, want 2", reg.Count())
	}
}

func TestRegistryMultiDevice(t *testing.T) {
	reg := NewRegistry(nil)

	// Same user authenticated from two devices.
	reg.Register(newTestConn("c1", "1"))
	reg.Register(newTestConn("c2", "1"))

	found := reg.FindByUserID("1")
	if len(found) != 2 {
		t.Fatalf("FindByUserID(1) returned %d connections, want 2", len(found))
	}

	// Disconnecting one device leaves the other registered.
	reg.Unregister("c1")
	found = reg.FindByUserID("1")
	if len(found) != 1 {
		t.Fatalf("after Unregister, FindByUserID(1) returned %d connections, want 1", len(found))
	}
	if found[0].ID != "c2" {
		t.Errorf("remaining connection is %s, want c2", found[0].ID)
	}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register(newTestConn("c1", "1"))
	reg.Register(newTestConn("c1", "1"))

	if reg.Count() != 1 {
		t.Errorf("Count() = %d after duplicate Register, want 1", reg.Count())
	}
}

func TestRegistryUnregisterAbsent(t *testing.T) {
	reg := NewRegistry(nil)

	if conn := reg.Unregister("never-registered"); conn != nil {
		t.Errorf("Unregister of absent id returned %v, want nil", conn)
	}
}

func TestRegistryListAll(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register(newTestConn("c1", "1"))
	reg.Register(newTestConn("c2", "2"))
	reg.Register(newTestConn("c3", "2"))

	ids := reg.ListAll()
	if len(ids) != 3 {
		t.Fatalf("ListAll() returned %d identities, want 3", len(ids))
	}

	byUser := make(map[string]int)
	for _, id := range ids {
		byUser[id.UserID]++
	}
	if byUser["1"] != 1 || byUser["2"] != 2 {
		t.Errorf("ListAll() identity counts = %v, want map[1:1 2:2]", byUser)
	}
}
