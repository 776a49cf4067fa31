package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"agendarelay/internal/supervisor"
	"agendarelay/logger"
)

var (
	port      = flag.Int("port", 3002, "relay server port")
	serverBin = flag.String("server-bin", "relayd", "path to the relay server binary")
	once      = flag.Bool("once", false, "initialize the relay and exit instead of monitoring")
)

func main() {
	flag.Parse()

	log := logger.Named("relaymon")

	sup := supervisor.New(supervisor.Config{
		Port:      *port,
		ServerBin: *serverBin,
		Logger:    log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	if err := sup.InitializeWithRetry(ctx); err != nil {
		// Without the relay the notification feature is entirely
		// unavailable; this is the one failure allowed to exit non-zero.
		log.Error("relay server initialization failed", zap.Error(err))
		os.Exit(1)
	}

	if *once {
		return
	}

	sup.MonitorServer(ctx)
}
