package protocol

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	id := Identity{UserID: "1", UserName: "alice", DisplayName: "Alice"}

	got := IdentityFromPayload(id.Map())
	if got != id {
		t.Errorf("IdentityFromPayload(Map()) = %+v, want %+v", got, id)
	}
}

func TestIdentityFromPayloadMissingFields(t *testing.T) {
	got := IdentityFromPayload(map[string]interface{}{"userId": "1"})
	if got.UserID != "1" || got.UserName != "" || got.DisplayName != "" {
		t.Errorf("IdentityFromPayload = %+v, want only UserID set", got)
	}

	if got := IdentityFromPayload(nil); got != (Identity{}) {
		t.Errorf("IdentityFromPayload(nil) = %+v, want zero", got)
	}
}

func TestPayloadString(t *testing.T) {
	p := map[string]interface{}{
		"name":  "x",
		"count": 3,
	}
	if got := PayloadString(p, "name"); got != "x" {
		t.Errorf("PayloadString(name) = %q", got)
	}
	if got := PayloadString(p, "count"); got != "" {
		t.Errorf("PayloadString(count) = %q, want empty for non-string", got)
	}
	if got := PayloadString(p, "absent"); got != "" {
		t.Errorf("PayloadString(absent) = %q, want empty", got)
	}
}
