package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/petermazzocco/imagehost/internal/config"
	"github.com/petermazzocco/imagehost/internal/database"
	"github.com/petermazzocco/imagehost/internal/logger"
	"github.com/petermazzocco/imagehost/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.App.Debug, cfg.App.LogDir)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	db, err := database.Open(cfg.Database.URL, zl)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := server.NewStorage(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to create storage", zap.Error(err))
	}

	srv, err := server.New(cfg, zl, db, files)
	if err != nil {
		zl.Fatal("Failed to create server", zap.Error(err))
	}

	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	zl.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server forced to shutdown", zap.Error(err))
	}

	zl.Info("Server exited")
}
