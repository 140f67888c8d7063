package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/infrastructure/distributed"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	repositories "meshroom/internal/infrastructure/repositories"
	relay "meshroom/internal/infrastructure/signal"
	"meshroom/pkg/config"
	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/logger"
	"meshroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		os.Getenv("MESHROOM_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Room lifecycle events go to Redis only when it is configured.
	var publisher ports.EventPublisher
	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, cfg.Redis.Channel, uuid.NewString(), collector, log)
		publisher = bus
		log.Infow("publishing room events", "channel", cfg.Redis.Channel)
	}

	roomService := services.NewRoomService(
		repoFactory.CreateRoomRepository(),
		repoFactory.CreateSessionRepository(),
		publisher,
		cfg.Mesh.MaxRoomSize,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := relay.NewHub(roomService, collector, log)
	go hub.Run(ctx)

	wsServer := relay.NewServer(hub, relay.OptionsFromConfig(cfg), cfg.Signal.AllowedOrigins, log)

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddRegistryCheck(roomService, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Monitoring.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.SetRooms(roomService.Metrics(ctx))
			}
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", wsServer.ServeWS)
	httphandlers.NewRoomHandler(roomService).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": hub.Connections(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer checkCancel()

		status := healthChecker.CheckAll(checkCtx)
		if status.Status != "healthy" {
			c.Error(apperrors.NewServiceUnavailableError("relay is not ready").WithContext("checks", status.Checks))
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting meshroom signaling server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down meshroom signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Stopping the hub closes every websocket.
	cancel()

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("Error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("meshroom signaling server stopped")
}
