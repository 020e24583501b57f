package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/api"
	"github.com/costline/costline/internal/baseline"
	"github.com/costline/costline/internal/branches"
	"github.com/costline/costline/internal/comparison"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/db"
	"github.com/costline/costline/internal/export"
	"github.com/costline/costline/internal/middleware"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/versioning"
	"github.com/costline/costline/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Server.MigrationsPath, cfg.Database.URL()); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	versionRepo := repository.NewVersionRepository(conn)
	branchRepo := repository.NewBranchRepository(conn)
	orderRepo := repository.NewChangeOrderRepository(conn)
	snapshotRepo := repository.NewSnapshotRepository(conn)

	versionSvc := versioning.NewService(versionRepo, branchRepo, logger)
	branchSvc := branches.NewService(conn, branchRepo, orderRepo, logger)
	compareSvc := comparison.NewService(versionRepo, branchRepo, logger)
	baselineSvc := baseline.NewService(snapshotRepo, branchRepo, versionSvc, logger)
	workflowSvc := workflow.NewService(conn, orderRepo, branchRepo, versionSvc, compareSvc, baselineSvc, logger)
	exportSvc := export.NewService(compareSvc, branchRepo, logger)

	handler := api.NewHandler(branchSvc, versionSvc, compareSvc, workflowSvc, baselineSvc, exportSvc, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(middleware.Logging(logger)(handler.Routes())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
