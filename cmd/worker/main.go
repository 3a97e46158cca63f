package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iTrooz/offline-cache-worker/internal/config"
	"github.com/iTrooz/offline-cache-worker/internal/proxy"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	setupLogging(cfg)
	if dump, err := cfg.Dump(); err == nil {
		logrus.Debugf("Effective configuration:\n%s", dump)
	}

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logrus.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		logrus.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Shutdown: %v", err)
		}
		<-errCh
	}
}

func setupLogging(cfg *config.Config) {
	// Validate already checked the level
	level, _ := cfg.GetLogLevel()
	logrus.SetLevel(level)

	if cfg.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
