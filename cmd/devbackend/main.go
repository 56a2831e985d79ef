package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/handlers"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		slog.Error("Error getting user config dir", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	cfgFilePath := flag.String("config", filepath.Join(cfgDir, "ragwidget", "devbackend.yaml"), "Path of the config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		slog.Error("Error loading config", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			slog.Error("Invalid log level", slog.String(errLoggerKey, err.Error()))
			os.Exit(1)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	script, err := cfg.script()
	if err != nil {
		logger.Error("Error loading reply script", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	m := handlers.NewMain(script, cfg.Token, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to stop streams", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.Int("replies", len(script.Replies)))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}
