// Package supervisor keeps exactly one relay server reachable on a known
// port: it starts the server when absent, health-checks it, and restarts it
// on failure, independent of any client's lifecycle.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config holds supervisor settings. Zero values fall back to defaults.
type Config struct {
	Port            int           // relay port, default 3002
	ServerBin       string        // relay binary path, default "relayd"
	ServerArgs      []string      // extra args for the relay binary
	DialTimeout     time.Duration // isServerRunning probe, default 2s
	HealthTimeout   time.Duration // isServerHealthy probe, default 3s
	StartTimeout    time.Duration // readiness wait after spawn, default 15s
	RetryDelay      time.Duration // pause between init attempts, default 3s
	MaxRetries      int           // init attempts, default 5
	MonitorInterval time.Duration // periodic health check, default 10s
	Logger          *zap.Logger
}

// Supervisor owns at most one relay child process at a time.
type Supervisor struct {
	cfg   Config
	log   *zap.Logger
	httpc *http.Client

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan error // closed-by-send when the owned child exits
}

// New creates a supervisor for the relay on cfg.Port.
func New(cfg Config) *Supervisor {
	if cfg.Port == 0 {
		cfg.Port = 3002
	}
	if cfg.ServerBin == "" {
		cfg.ServerBin = "relayd"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Supervisor{
		cfg:   cfg,
		log:   cfg.Logger,
		httpc: &http.Client{Timeout: cfg.HealthTimeout},
	}
}

// IsServerRunning reports whether something accepts TCP connections on the
// relay port. A listening port is not proof of a working relay; see
// IsServerHealthy.
func (s *Supervisor) IsServerRunning() bool {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsServerHealthy probes the relay's /status endpoint and requires an
// "online" answer within the health timeout.
func (s *Supervisor) IsServerHealthy() bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", s.cfg.Port)
	resp, err := s.httpc.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Status == "online"
}

// StartServer spawns the relay as a child process and waits until the
// /status endpoint answers healthy. It fails when the child exits before
// becoming ready or when readiness does not appear within the start timeout.
func (s *Supervisor) StartServer(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started by this supervisor")
	}

	args := append([]string{fmt.Sprintf("-port=%d", s.cfg.Port)}, s.cfg.ServerArgs...)
	cmd := exec.CommandContext(ctx, s.cfg.ServerBin, args...)
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to spawn relay server: %w", err)
	}
	exited := make(chan error, 1)
	s.cmd = cmd
	s.exited = exited
	s.mu.Unlock()

	s.log.Info("relay server spawned",
		zap.Int("pid", cmd.Process.Pid), zap.Int("port", s.cfg.Port))

	go func() { exited <- cmd.Wait() }()

	deadline := time.After(s.cfg.StartTimeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.reap()
			return ctx.Err()
		case err := <-exited:
			s.forget()
			return fmt.Errorf("relay server exited before becoming ready: %v", err)
		case <-deadline:
			s.reap()
			return fmt.Errorf("relay server not ready within %s", s.cfg.StartTimeout)
		case <-tick.C:
			if s.IsServerHealthy() {
				s.log.Info("relay server ready", zap.Int("port", s.cfg.Port))
				return nil
			}
		}
	}
}

// StopServer terminates a supervisor-owned child, SIGTERM first, Kill after
// a grace period. No-op when the supervisor owns no process.
func (s *Supervisor) StopServer() error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	s.log.Info("stopping relay server", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
		return nil
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		<-exited
	}
	return nil
}

// Owns reports whether the supervisor currently owns a relay child process.
func (s *Supervisor) Owns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// reap kills an owned child that failed to become ready.
func (s *Supervisor) reap() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		<-exited
	}
}

// forget drops an owned child that already exited.
func (s *Supervisor) forget() {
	s.mu.Lock()
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()
}

// InitializeWithRetry brings the relay to a running and healthy state:
// already healthy means immediate success; running but unhealthy means
// restart (or, for a port occupant the supervisor does not own, wait and
// re-check); otherwise spawn. The whole sequence retries up to MaxRetries
// times with a fixed delay between attempts.
func (s *Supervisor) InitializeWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		if s.IsServerRunning() {
			if s.IsServerHealthy() {
				s.log.Info("relay server running and healthy", zap.Int("port", s.cfg.Port))
				return nil
			}
			if s.Owns() {
				s.log.Warn("relay server unhealthy, restarting")
				s.StopServer()
			} else {
				// Port held by a process we did not spawn: wait it out and
				// re-check rather than fighting over the port.
				s.log.Warn("port occupied by unowned process, waiting",
					zap.Int("port", s.cfg.Port), zap.Int("attempt", attempt))
				lastErr = fmt.Errorf("port %d occupied by unhealthy unowned process", s.cfg.Port)
				continue
			}
		}

		if err := s.StartServer(ctx); err != nil {
			s.log.Warn("relay server start failed",
				zap.Int("attempt", attempt), zap.Error(err))
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("relay server initialization failed after %d attempts: %w",
		s.cfg.MaxRetries, lastErr)
}

// MonitorServer re-checks running+healthy on a fixed period and re-runs the
// initialization sequence on failure. Blocks until ctx is cancelled.
func (s *Supervisor) MonitorServer(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.StopServer()
			return
		case <-ticker.C:
			if s.IsServerRunning() && s.IsServerHealthy() {
				continue
			}
			s.log.Warn("relay server check failed, recovering")
			s.StopServer()
			if err := s.InitializeWithRetry(ctx); err != nil {
				s.log.Error("relay server recovery failed", zap.Error(err))
			}
		}
	}
}
