// Command retention-sweeper deletes expired date buckets from the publish root, either
// once for cron-style use or periodically until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"

	"github.com/book-expert/pdf-to-tiff-service/internal/config"
	"github.com/book-expert/pdf-to-tiff-service/internal/retention"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := run(ctx, os.Args[1:])
	if runErr != nil {
		log.Printf("Fatal application error: %v", runErr)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("retention-sweeper", flag.ContinueOnError)
	once := flagSet.Bool("once", false, "Sweep once and exit.")
	days := flagSet.Int("days", -1, "Override the retention horizon in days.")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	envErr := godotenv.Load()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", envErr)
	}

	cfg, loadErr := config.Discover()
	if loadErr != nil {
		return fmt.Errorf("failed to load configuration: %w", loadErr)
	}

	if *days >= 0 {
		cfg.Retention.Days = *days
	}

	appLogger, loggerErr := logger.New(cfg.Paths.LogsDir, "retention-sweeper.log")
	if loggerErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", loggerErr)
	}

	defer func() {
		if closeErr := appLogger.Close(); closeErr != nil {
			log.Printf("Warning: failed to close app logger: %v", closeErr)
		}
	}()

	sweeper, sweeperErr := retention.NewSweeper(cfg.Paths.PublishDir, cfg.Retention.Days, appLogger)
	if sweeperErr != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", sweeperErr)
	}

	if *once {
		report, sweepErr := sweeper.Sweep()
		if sweepErr != nil {
			return fmt.Errorf("retention sweep failed: %w", sweepErr)
		}

		appLogger.Success("Removed %d bucket(s), kept %d, skipped %d",
			len(report.Removed), report.Kept, len(report.Skipped))

		return nil
	}

	interval, intervalErr := cfg.SweepInterval()
	if intervalErr != nil {
		return intervalErr
	}

	return sweeper.Run(ctx, interval)
}
