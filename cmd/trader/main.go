package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arbion-trader-go/internal/broker"
	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/database"
	"arbion-trader-go/internal/logger"
	"arbion-trader-go/internal/marketdata"
	"arbion-trader-go/internal/risk"
	"arbion-trader-go/internal/trader"
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
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Credential acquisition and refresh live outside this core; the gateway
	// only consumes tokens. BROKER_TOKEN covers single-tenant deployments.
	creds := &broker.StaticCredentialProvider{Token: os.Getenv("BROKER_TOKEN")}

	gateway := broker.NewRestGateway(&cfg.Broker, creds, log)
	quotes := marketdata.NewRestProvider(&cfg.MarketData, log)
	gate := risk.NewGate(db, &cfg.Risk, log)

	service := trader.NewService(log, &cfg, db, gateway, gate, quotes)
	sentinel := trader.NewSentinel(log, &cfg, db, service, quotes)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	apiServer := trader.NewAPIServer(service, sentinel, log)
	apiServer.Start()

	// The sentinel loop blocks until shutdown.
	sentinel.Run(ctx)

	if err := apiServer.Stop(context.Background()); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	log.Info("Trading engine has been shut down.")
}
