package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/kurihiro0119/docstring-harvester/internal/api"
	"github.com/kurihiro0119/docstring-harvester/internal/config"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/postgres"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Initialize storage
	var store storage.Storage
	switch cfg.StorageType {
	case "postgres":
		store, err = postgres.NewPostgresStorage(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL storage: %v", err)
		}
	case "memory":
		store = memory.New()
	default:
		store, err = sqlite.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite storage: %v", err)
		}
	}
	defer store.Close()

	// Setup routes
	router := api.SetupRoutes(api.NewHandler(store), logger)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	logger.Info("starting API server", "addr", addr, "storage", cfg.StorageType)

	if err := router.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
}
