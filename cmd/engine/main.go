package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sellforge/platform/internal/abtest"
	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/db"
	"github.com/sellforge/platform/internal/common/messaging"
	"github.com/sellforge/platform/internal/competition"
	"github.com/sellforge/platform/internal/dashboard"
	"github.com/sellforge/platform/internal/ingest"
	"github.com/sellforge/platform/internal/lifecycle"
	"github.com/sellforge/platform/internal/marketplace"
	"github.com/sellforge/platform/internal/mirror"
	"github.com/sellforge/platform/internal/notify"
	"github.com/sellforge/platform/internal/optimizer"
	"github.com/sellforge/platform/internal/scheduler"
	"github.com/sellforge/platform/internal/storefront"
)

func main() {
	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for termination signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	database, err := db.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.MigrateSchema(); err != nil {
		log.Fatalf("Failed to migrate database schema: %v", err)
	}

	// Initialize Kafka client
	kafkaClient := messaging.NewKafkaClient(&cfg.Kafka)
	defer kafkaClient.Close()

	// External collaborators
	marketplaceClient := marketplace.NewClient(cfg.Marketplace)
	storefrontClient := storefront.NewClient(cfg.Storefront)
	notifier := notify.NewService(notify.NewEmailSink(cfg.SMTP), kafkaClient, cfg.Kafka)

	// Decision engine components
	analyzer := competition.NewAnalyzer(database.DB, marketplaceClient)
	manager := lifecycle.NewManager(database.DB, analyzer, marketplaceClient, notifier, cfg.Rules)
	opt := optimizer.New(database.DB, marketplaceClient, notifier, cfg.Rules)
	tests := abtest.NewEvaluator(database.DB, marketplaceClient, notifier, cfg.Rules)
	snapshots := mirror.New(database.DB, cfg.Mirror)

	// Start the metrics ingest consumer
	ingestService := ingest.NewService(database.DB, kafkaClient, cfg.Kafka)
	if err := ingestService.Start(ctx); err != nil {
		log.Fatalf("Failed to start metrics ingest: %v", err)
	}

	// Start the alerts hub for dashboard websocket clients
	hub := dashboard.NewAlertHub(kafkaClient, cfg.Kafka)
	if err := hub.Start(ctx); err != nil {
		log.Fatalf("Failed to start alerts hub: %v", err)
	}

	// Register and start the background job scheduler on its own session
	// scope so job statements stay isolated from request handling
	jobSession := database.Session()
	jobs := scheduler.New(jobSession.DB)
	err = jobs.RegisterAll(scheduler.BuildJobs(scheduler.Deps{
		DB:          jobSession.DB,
		Marketplace: marketplaceClient,
		Updater:     marketplaceClient,
		Storefront:  storefrontClient,
		Lifecycle:   manager,
		Optimizer:   opt,
		ABTests:     tests,
		Ingest:      ingestService,
		Mirror:      snapshots,
		Notifier:    notifier,
	}))
	if err != nil {
		log.Fatalf("Failed to register jobs: %v", err)
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	// Start the dashboard API server and block until shutdown
	apiServer := dashboard.NewAPI(database, cfg, manager, opt, tests, analyzer, hub)
	log.Printf("Starting engine API server on port %d", cfg.Server.Port)
	if err := apiServer.Start(ctx); err != nil {
		log.Fatalf("API server error: %v", err)
	}

	log.Println("Shutting down engine...")
}
