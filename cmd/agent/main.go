package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mt5-trade-agent-go/internal/agent"
	"mt5-trade-agent-go/internal/analysis"
	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/logger"
	"mt5-trade-agent-go/internal/orders"
	"mt5-trade-agent-go/internal/risk"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	store := database.NewStore(db)

	// Initialize the signal channel shared with the execution terminal
	staleness := time.Duration(cfg.Channel.StatusIntervalSeconds*cfg.Channel.StalenessFactor) * time.Second
	ch, err := channel.NewFileDrop(cfg.Channel.Dir, staleness, log)
	if err != nil {
		log.Fatal("Failed to open signal channel", zap.Error(err))
	}
	log.Info("Signal channel ready", zap.String("dir", cfg.Channel.Dir))

	// Initialize the analysis service client
	analyst := analysis.NewClient(&cfg.Analysis, log)

	// Risk engine and order lifecycle manager
	riskEngine := risk.NewEngine(&cfg, store, log)
	orderManager := orders.NewManager(&cfg, store, ch, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Initialize and run the coordinator
	coordinator := agent.NewAgent(log, &cfg, store, ch, analyst, riskEngine, orderManager)

	apiServer := agent.NewAPIServer(coordinator, log)
	apiServer.Start()

	coordinator.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server cleanly", zap.Error(err))
	}

	log.Info("Agent has been shut down.")
}
