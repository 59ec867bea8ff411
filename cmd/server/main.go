package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teslawerk/telemetry/internal/api/handlers"
	"github.com/teslawerk/telemetry/internal/config"
	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/presence"
	"github.com/teslawerk/telemetry/internal/repository"
	"github.com/teslawerk/telemetry/internal/service"
	"github.com/teslawerk/telemetry/internal/stats"
	"github.com/teslawerk/telemetry/internal/taximeter"
	"github.com/teslawerk/telemetry/internal/tracker"
	"github.com/teslawerk/telemetry/internal/upstream"
	"github.com/teslawerk/telemetry/pkg/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting telemetry service", zap.String("port", cfg.ServerPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := logstore.New(cfg.DataDir)

	statsDB, err := stats.Open(cfg.StatisticsDBPath)
	if err != nil {
		logger.Fatal("Failed to open statistics db", zap.Error(err))
	}
	defer statsDB.Close()

	rideDB, err := repository.New(cfg.TaximeterDBPath)
	if err != nil {
		logger.Fatal("Failed to open taximeter db", zap.Error(err))
	}
	defer rideDB.Close()
	rideRepo := repository.NewRideRepository(rideDB)

	trackers := tracker.New(store, logger)

	presenceManager := presence.NewManager(func(vehicleID, from, to string) {
		logger.Info("Vehicle presence changed",
			zap.String("vehicle_id", vehicleID),
			zap.String("from", from),
			zap.String("to", to))
	})

	wsHub := ws.NewHub(logger)
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{Vehicles: presenceManager.AllStatuses()}
	})
	go wsHub.Run()

	apiClient := upstream.NewClient(cfg.UpstreamAPIHost, cfg.UpstreamToken)
	fetcher := service.NewFetcher(apiClient, store, trackers, presenceManager, wsHub, logger)

	poller := service.NewPoller(fetcher, presenceManager, cfg.VehicleIDs, cfg.PollInterval, logger)
	poller.Start(ctx)

	aggregator := stats.NewAggregator(statsDB, store, trackers, cfg.VehicleIDs, cfg.StatFile, cfg.AggregationInterval, logger)
	if !cfg.DisableStatisticsAggregation {
		aggregator.Start(ctx)
	}

	meter := taximeter.NewEngine(
		func(ctx context.Context, vehicleID string) (*upstream.Snapshot, error) {
			return fetcher.FetchOnce(ctx, vehicleID)
		},
		taximeter.DefaultTariff,
		rideRepo,
		cfg.DefaultVehicleID(),
		cfg.TaxiCompany,
		cfg.TaxiSlogan,
		cfg.TaximeterSampleInterval,
		logger,
	)

	alarmState := func(ctx context.Context, vehicleID string) (string, error) {
		var snap upstream.Snapshot
		if err := store.LoadCache(vehicleID, &snap); err != nil {
			return "", err
		}
		if snap.VehicleState == nil {
			return "", nil
		}
		return snap.VehicleState.AlarmState, nil
	}

	handler := handlers.NewHandler(
		logger,
		aggregator,
		presenceManager,
		store,
		meter,
		rideRepo,
		alarmState,
		cfg.DefaultVehicleID(),
		wsHub,
	)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	poller.Stop()
	aggregator.Stop()
	if result, err := meter.Stop(ctx); err == nil && result != nil {
		logger.Info("Closed active ride on shutdown", zap.Int64("ride_id", result.RideID))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
