package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"census-climate/internal/cache"
	"census-climate/internal/config"
	"census-climate/internal/handlers"
	"census-climate/internal/repository"
	"census-climate/internal/services"
	"census-climate/pkg/database"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("climate-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting census climate API server", logging.Fields{
		"version":       "1.0.0",
		"server_host":   cfg.Server.Host,
		"server_port":   cfg.Server.Port,
		"db_host":       cfg.Database.Host,
		"db_name":       cfg.Database.Database,
		"cache_enabled": cfg.Cache.Enabled,
	})

	metricsCollector := metrics.NewCollector("census_climate")

	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectBackoff:  cfg.Database.ConnectBackoff,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	climateRepo := repository.NewClimateRepository(db, logger, metricsCollector)

	// The response cache is optional; the API reads straight from
	// Postgres when it is disabled or unreachable.
	var responseCache services.ResponseCache
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		}, logger, metricsCollector)
		if err != nil {
			logger.Warn(ctx, "[STARTUP_WARN] Response cache unavailable, continuing without it", logging.Fields{
				"addr":  cfg.Cache.Addr,
				"error": err.Error(),
			})
		} else {
			defer c.Close()
			responseCache = c
		}
	}

	climateService := services.NewClimateService(climateRepo, responseCache, logger, metricsCollector)
	climateHandler := handlers.NewClimateHandler(climateService, logger, metricsCollector)

	router := mux.NewRouter()
	climateHandler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
