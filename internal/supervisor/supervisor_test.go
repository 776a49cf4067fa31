package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// freePort grabs an ephemeral port and releases it so the test can probe a
// port that is known to be closed.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func statusServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, int) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, ts.Listener.Addr().(*net.TCPAddr).Port
}

func TestIsServerRunningFreshPort(t *testing.T) {
	sup := New(Config{
		Port:        freePort(t),
		DialTimeout: 500 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	if sup.IsServerRunning() {
		t.Error("IsServerRunning true on a fresh unused port")
	}
}

func TestIsServerRunningWithListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sup := New(Config{
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Logger: zap.NewNop(),
	})
	if !sup.IsServerRunning() {
		t.Error("IsServerRunning false with a live listener")
	}
}

func TestIsServerHealthy(t *testing.T) {
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"status":"online","connections":0,"uptime":1}`)
	})

	sup := New(Config{Port: port, Logger: zap.NewNop()})
	if !sup.IsServerHealthy() {
		t.Error("IsServerHealthy false against an online /status")
	}
	if !sup.IsServerRunning() {
		t.Error("IsServerRunning false against a live HTTP server")
	}
}

func TestIsServerHealthyRejectsWedgedServer(t *testing.T) {
	// The port accepts connections but the application logic is wedged:
	// running must stay true while healthy goes false.
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "wedged", http.StatusInternalServerError)
	})

	sup := New(Config{Port: port, Logger: zap.NewNop()})
	if !sup.IsServerRunning() {
		t.Error("IsServerRunning false with a live listener")
	}
	if sup.IsServerHealthy() {
		t.Error("IsServerHealthy true against a 500 /status")
	}
}

func TestIsServerHealthyRejectsWrongStatus(t *testing.T) {
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"draining"}`)
	})

	sup := New(Config{Port: port, Logger: zap.NewNop()})
	if sup.IsServerHealthy() {
		t.Error("IsServerHealthy true for a non-online status")
	}
}

func TestStartServerSpawnFailure(t *testing.T) {
	sup := New(Config{
		Port:         freePort(t),
		ServerBin:    "/nonexistent/relayd",
		StartTimeout: 2 * time.Second,
		Logger:       zap.NewNop(),
	})

	err := sup.StartServer(context.Background())
	if err == nil {
		t.Fatal("StartServer succeeded with a nonexistent binary")
	}
	if sup.Owns() {
		t.Error("supervisor claims ownership after a failed spawn")
	}
}

func TestStartServerChildExitsEarly(t *testing.T) {
	// /bin/false takes the -port argument, exits immediately, never serves.
	sup := New(Config{
		Port:         freePort(t),
		ServerBin:    "/bin/false",
		StartTimeout: 5 * time.Second,
		Logger:       zap.NewNop(),
	})

	err := sup.StartServer(context.Background())
	if err == nil {
		t.Fatal("StartServer succeeded for a child that exited immediately")
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Errorf("error %q does not mention the early exit", err)
	}
	if sup.Owns() {
		t.Error("supervisor claims ownership after the child exited")
	}
}

func TestInitializeWithRetryAlreadyHealthy(t *testing.T) {
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"online"}`)
	})

	sup := New(Config{Port: port, Logger: zap.NewNop()})
	if err := sup.InitializeWithRetry(context.Background()); err != nil {
		t.Errorf("InitializeWithRetry = %v against a healthy server, want nil", err)
	}
}

func TestInitializeWithRetryUnownedUnhealthyPort(t *testing.T) {
	// Something the supervisor does not own holds the port and never turns
	// healthy: the sequence retries, then reports failure.
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "wedged", http.StatusInternalServerError)
	})

	sup := New(Config{
		Port:       port,
		MaxRetries: 2,
		RetryDelay: 50 * time.Millisecond,
		Logger:     zap.NewNop(),
	})

	err := sup.InitializeWithRetry(context.Background())
	if err == nil {
		t.Fatal("InitializeWithRetry succeeded against a wedged unowned port")
	}
}

func TestInitializeWithRetryRespectsContext(t *testing.T) {
	_, port := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "wedged", http.StatusInternalServerError)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sup := New(Config{
		Port:       port,
		MaxRetries: 5,
		RetryDelay: 10 * time.Second,
		Logger:     zap.NewNop(),
	})

	start := time.Now()
	err := sup.InitializeWithRetry(ctx)
	if err == nil {
		t.Fatal("InitializeWithRetry succeeded with a cancelled context")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("InitializeWithRetry ignored context cancellation")
	}
}
