// Command server is the entry point for the streaming chat gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gemini-gateway/internal/chathistory"
	"gemini-gateway/internal/config"
	"gemini-gateway/internal/db"
	"gemini-gateway/internal/handler"
	"gemini-gateway/internal/keypool"
	"gemini-gateway/internal/keysync"
	"gemini-gateway/internal/proxy"
	"gemini-gateway/internal/router"
	"gemini-gateway/internal/upstream"
	"gemini-gateway/internal/utils"

	"github.com/sirupsen/logrus"
)

const gracefulShutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	utils.SetupLogger(utils.LogParams{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		EnableFile: cfg.LogToFile,
		FilePath:   cfg.LogFilePath,
	})
	defer utils.CloseLogger()

	gormDB, err := db.New(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("failed to open database: %v", err)
	}
	defer db.Close(gormDB)

	syncer := keysync.New(gormDB, cfg.FreeKeyPath, cfg.PaidKeyPath)
	if err := syncer.Sync(); err != nil {
		logrus.Fatalf("failed to sync key files: %v", err)
	}

	keys, err := keypool.NewProvider(gormDB, syncer, keypool.Config{
		CooldownSeconds:    cfg.CooldownSeconds,
		RequestsPerMinute:  cfg.RequestsPerMinute,
		RequestsPerDay:     cfg.RequestsPerDay,
		MaxFreeKeyFailures: cfg.MaxFreeKeyFailures,
	})
	if err != nil {
		logrus.Fatalf("failed to initialize key pool: %v", err)
	}

	history := chathistory.New(cfg.BasePrompt)
	upClient := upstream.NewClient(cfg.BaseURL, time.Duration(cfg.RequestTimeoutSec)*time.Second)
	streamProxy := proxy.New(keys, upClient, history)

	h := handler.New(history, streamProxy, cfg)
	engine := router.New(h, cfg.AllowedOrigins)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		logrus.Infof("gateway listening on port %d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logrus.Infof("received signal: %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("HTTP server graceful shutdown timed out, forcing close: %v", err)
			httpServer.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("graceful shutdown completed successfully")
	case <-quit:
		logrus.Warn("second interrupt signal received, forcing immediate exit")
		os.Exit(1)
	case <-shutdownCtx.Done():
		logrus.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}
