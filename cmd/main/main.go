package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marathon-engine/src/analysis"
	"marathon-engine/src/broker"
	"marathon-engine/src/cache"
	"marathon-engine/src/config"
	"marathon-engine/src/leaderboard"
	"marathon-engine/src/logger"
	"marathon-engine/src/rules"
	"marathon-engine/src/server"
	"marathon-engine/src/storage"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	config, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(config.LogLevel, config.Name)

	// 2. Setup Storage
	db := storage.NewPostgresDB(config.MConfig, appLogger)
	if err := db.Initialize(); err != nil {
		appLogger.Critical("Failed to init db: %v", err)
	}
	defer db.Close()

	participants := storage.NewParticipantRepo(db)
	marathons := storage.NewMarathonRepo(db)
	history := storage.NewHistoryRepo(db)

	// 3. Broker feed and snapshot cache
	feed := broker.NewNATSFeed(config.MConfig, appLogger)
	snapCache := cache.NewSnapshotCache(config.MConfig, appLogger, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := snapCache.Connect(ctx); err != nil {
		appLogger.Critical("Failed to connect to broker: %v", err)
	}
	defer feed.Close()

	snapCache.StartEviction(ctx)

	// 4. Equity sampling into history
	recorder := storage.NewEquityRecorder(config.MConfig, appLogger, history)
	detachRecorder := recorder.Attach(snapCache)
	defer detachRecorder()

	// 5. Analysis pipeline
	calculator := leaderboard.NewCalculator(participants, appLogger)
	analyzer := analysis.NewAnalysisFacade(config.MConfig, appLogger, calculator, history, snapCache)

	// 6. Rule engine with scheduled batch checks
	engine := rules.NewEngine(participants, marathons, history, snapCache, appLogger)
	scheduler, err := rules.StartScheduler(engine, config.MConfig)
	if err != nil {
		appLogger.Critical("Failed to start rule scheduler: %v", err)
	}
	defer func() { _ = scheduler.Shutdown() }()

	// 7. Live server (REST + websocket hub)
	srv := server.NewLiveServer(
		config.MConfig, appLogger,
		snapCache, calculator, analyzer,
		participants, marathons,
	)
	defer srv.Stop()

	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Error("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
}
