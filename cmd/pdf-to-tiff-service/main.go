// This file orchestrates the pdf-to-tiff service: the HTTP front end, the optional
// NATS worker and the retention sweeper share one coordinator and stop together.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/pdf-to-tiff-service/internal/config"
	"github.com/book-expert/pdf-to-tiff-service/internal/httpapi"
	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
	"github.com/book-expert/pdf-to-tiff-service/internal/queue"
	"github.com/book-expert/pdf-to-tiff-service/internal/retention"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
	multipartSlack    = 1 << 20
)

// main is the entry point of the application.
func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runErr := run(ctx)
	if runErr != nil {
		log.Printf("Fatal application error: %v", runErr)
		os.Exit(1)
	}

	log.Println("Application shut down gracefully.")
}

// run initializes all components and blocks until ctx ends or one of them fails.
func run(ctx context.Context) error {
	cfg, appLogger, setupErr := setupConfigAndLogger()
	if setupErr != nil {
		return setupErr
	}

	defer func() {
		if closeErr := appLogger.Close(); closeErr != nil {
			log.Printf("Warning: failed to close app logger: %v", closeErr)
		}
	}()

	opts := pdfrender.OptionsFromConfig(cfg)
	coordinator := pdfrender.NewCoordinator(&opts, appLogger)
	defer coordinator.Close()

	sweeper, sweeperErr := retention.NewSweeper(cfg.Paths.PublishDir, cfg.Retention.Days, appLogger)
	if sweeperErr != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", sweeperErr)
	}

	interval, intervalErr := cfg.SweepInterval()
	if intervalErr != nil {
		return intervalErr
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sweeper.Run(groupCtx, interval)
	})

	group.Go(func() error {
		return serveHTTP(groupCtx, cfg, coordinator, appLogger)
	})

	if cfg.NATS.URL == "" {
		appLogger.Info("NATS_URL is empty, queue worker disabled")
	} else {
		group.Go(func() error {
			return runWorker(groupCtx, cfg, coordinator, appLogger)
		})
	}

	return group.Wait()
}

// setupConfigAndLogger loads .env, the configuration and the main application logger.
func setupConfigAndLogger() (*config.Config, *logger.Logger, error) {
	envErr := godotenv.Load()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", envErr)
	}

	cfg, loadErr := config.Discover()
	if loadErr != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", loadErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	appLogger, loggerErr := logger.New(cfg.Paths.LogsDir, "pdf-to-tiff-service.log")
	if loggerErr != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", loggerErr)
	}

	return cfg, appLogger, nil
}

// serveHTTP runs the HTTP front end until ctx ends, then drains it.
func serveHTTP(
	ctx context.Context,
	cfg *config.Config,
	coordinator *pdfrender.Coordinator,
	appLogger *logger.Logger,
) error {
	handler := httpapi.NewHandler(
		coordinator,
		cfg.Paths.PublishDir,
		cfg.MaxFileBytes()+multipartSlack,
		appLogger,
	)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(handler, cfg.HTTP.AllowedOrigins),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		appLogger.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown: %w", shutdownErr)
	}

	appLogger.Info("HTTP server stopped")

	return nil
}

// runWorker connects to NATS, ensures the JetStream resources and consumes jobs
// until ctx ends.
func runWorker(
	ctx context.Context,
	cfg *config.Config,
	coordinator *pdfrender.Coordinator,
	appLogger *logger.Logger,
) error {
	natsConnection, connErr := nats.Connect(cfg.NATS.URL)
	if connErr != nil {
		return fmt.Errorf("failed to connect to NATS: %w", connErr)
	}
	defer natsConnection.Close()

	appLogger.Info("Connected to NATS server at %s", natsConnection.ConnectedUrl())

	jetStream, jsErr := jetstream.New(natsConnection)
	if jsErr != nil {
		return fmt.Errorf("failed to create JetStream context: %w", jsErr)
	}

	setupErr := queue.Setup(ctx, jetStream, &cfg.NATS)
	if setupErr != nil {
		return fmt.Errorf("failed to set up JetStream resources: %w", setupErr)
	}

	consumer, consumerErr := jetStream.Consumer(ctx, cfg.NATS.PDFStreamName, cfg.NATS.PDFConsumerName)
	if consumerErr != nil {
		return fmt.Errorf("failed to get consumer: %w", consumerErr)
	}

	pdfStore, pdfStoreErr := jetStream.ObjectStore(ctx, cfg.NATS.PDFObjectStoreBucket)
	if pdfStoreErr != nil {
		return fmt.Errorf("failed to bind to PDF object store: %w", pdfStoreErr)
	}

	tiffStore, tiffStoreErr := jetStream.ObjectStore(ctx, cfg.NATS.TIFFObjectStoreBucket)
	if tiffStoreErr != nil {
		return fmt.Errorf("failed to bind to TIFF object store: %w", tiffStoreErr)
	}

	worker := queue.NewWorker(coordinator, pdfStore, tiffStore, jetStream, cfg.NATS.TIFFCreatedSubject, appLogger)

	appLogger.Info("Worker is running, listening for jobs on '%s'...", cfg.NATS.PDFCreatedSubject)

	return worker.Run(ctx, consumer)
}
