package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidwatch/internal/api/handlers"
	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/internal/infrastructure/gateway"
	"bidwatch/internal/infrastructure/mysql"
	redisinfra "bidwatch/internal/infrastructure/redis"
	wsinfra "bidwatch/internal/infrastructure/websocket"
	"bidwatch/internal/services"
	"bidwatch/pkg/logger"
	"bidwatch/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	log := logger.New()
	log.Info("Starting auction monitor service")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		os.Exit(1)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Error("Failed to close MySQL connection", "error", err)
		}
	}(db)

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Error("Failed to ping MySQL", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to MySQL")

	// Storage and caches
	store := mysql.NewMySQLStore(db)
	snapshotCache := redisinfra.NewSnapshotCache(rdb)
	eventMirror := redisinfra.NewEventMirror(rdb)

	// Gateway client, optionally behind the circuit breaker
	baseGateway := gateway.NewClient(cfg.Gateway)
	breaker := gateway.NewCircuitBreaker(cfg.Breaker)
	var gw domain.AuctionGateway = baseGateway
	if cfg.Breaker.Enabled {
		gw = gateway.NewBreakerGateway(baseGateway, breaker)
	}

	// Broadcast hub
	hub := wsinfra.NewConnectionManager(log)

	// Core services
	executor := services.NewBidExecutor(gw, utils.GenerateID, log)
	coordinator := services.NewMonitorCoordinator(
		gw, store, snapshotCache, eventMirror, hub, executor,
		cfg.Monitor, cfg.Stream.Enabled, cfg.Scheduler.FailureThreshold, log)

	scheduler := services.NewPollingScheduler(cfg.Scheduler, log)
	scheduler.SetHandler(coordinator)

	streamDialer := gateway.NewStreamDialer(cfg.Gateway, log)
	streamManager := services.NewStreamManager(streamDialer, cfg.Stream, log)
	streamManager.SetHandler(coordinator)

	coordinator.SetSources(scheduler, streamManager)

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			echo.GET, echo.HEAD, echo.PUT, echo.PATCH,
			echo.POST, echo.DELETE, echo.OPTIONS,
		},
	}))

	monitorHandler := handlers.NewMonitorHandler(coordinator, breaker, log)
	wsHandler := handlers.NewWebSocketHandler(hub, cfg.Server.AuthToken, log)

	api := e.Group("/api/v1")
	api.POST("/monitors", monitorHandler.Register)
	api.GET("/monitors", monitorHandler.List)
	api.PATCH("/monitors/:id", monitorHandler.UpdateConfig)
	api.DELETE("/monitors/:id", monitorHandler.Cancel)
	api.GET("/monitors/:id/bids", monitorHandler.BidHistory)
	api.POST("/monitors/:id/resume", monitorHandler.Resume)
	api.GET("/breaker", monitorHandler.BreakerStatus)
	api.POST("/breaker/force", monitorHandler.BreakerForce)

	e.GET("/ws", wsHandler.HandleConnection)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "auction-monitor",
			"timestamp": time.Now().Format(time.RFC3339),
			"breaker":   breaker.Status().State,
		})
	})

	// Start background services
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if err := scheduler.Start(runCtx); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	if err := coordinator.Start(runCtx); err != nil {
		log.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("Starting monitor server", "address", serverAddr)

	go func() {
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down monitor service...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	scheduler.Stop()
	coordinator.Stop()
	stopRun()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Monitor service stopped")
}
