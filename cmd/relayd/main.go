package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agendarelay/internal/relay"
	"agendarelay/logger"
)

var (
	port     = flag.Int("port", 3002, "relay server port")
	pongWait = flag.Duration("pong-wait", 60*time.Second, "inactivity window before a connection is considered dead")
)

func main() {
	flag.Parse()

	log := logger.Named("relayd")
	log.Info("relay server starting", zap.Int("port", *port))

	registry := relay.NewRegistry(log.Named("registry"))
	server := relay.NewServer(relay.ServerConfig{
		Port:     *port,
		PongWait: *pongWait,
	}, registry, log)

	// Optional audit trail of presence changes and dropped deliveries.
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		audit, err := relay.NewAuditLog(connStr, log.Named("audit"))
		if err != nil {
			log.Warn("audit log unavailable, continuing without", zap.Error(err))
		} else {
			defer audit.Close()
			server.SetAudit(audit)
		}
	}

	go server.ProcessEvents()

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: withCORS(mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down")
		server.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
