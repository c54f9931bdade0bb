// Command pdf-to-tiff converts every PDF in a directory into a published CMYK TIFF.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/pdf-to-tiff-service/internal/config"
	"github.com/book-expert/pdf-to-tiff-service/internal/pdfrender"
)

// ErrBatchHadFailures is returned when at least one file could not be converted.
var ErrBatchHadFailures = errors.New("one or more files failed to convert")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The `run` function contains the core application logic.
	// We call it and then os.Exit to ensure deferred functions are run correctly.
	err := run(ctx, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the main logic function, separated from main to allow for easier testing and
// clean exit handling.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flgs, parseErr := parseFlags(args)
	if parseErr != nil {
		return parseErr
	}

	cfg, loadErr := loadConfig(flgs.configPath)
	if loadErr != nil {
		return loadErr
	}

	options := mergeConfigAndFlags(cfg, flgs)

	return processWithLogger(ctx, &options, cfg.Paths.LogsDir, stdout)
}

// loadConfig reads an explicit config file, or discovers project.toml when none is given.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Discover()
	}

	if err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	return cfg, nil
}

// flags represents the command-line arguments.
type flags struct {
	configPath  string
	inputPath   string
	publishPath string
	baseURL     string
	dpi         int
	concurrency int
	allowMulti  bool
}

// parseFlags defines and parses command-line flags.
func parseFlags(args []string) (flags, error) {
	var flagsVar flags

	flagSet := flag.NewFlagSet("pdf-to-tiff", flag.ContinueOnError)
	flagSet.StringVar(&flagsVar.configPath, "config", "", "Path to a TOML config file.")
	flagSet.StringVar(
		&flagsVar.inputPath,
		"input",
		"",
		"Input directory for PDF files (required).",
	)
	flagSet.StringVar(&flagsVar.publishPath, "publish", "", "Publish root for the TIFF files.")
	flagSet.StringVar(&flagsVar.baseURL, "base-url", "", "Public base URL for the links.")
	flagSet.IntVar(&flagsVar.dpi, "dpi", 0, "Resolution in DPI for the output images.")
	flagSet.IntVar(&flagsVar.concurrency, "concurrency", 0, "Maximum concurrent rasterizations.")
	flagSet.BoolVar(&flagsVar.allowMulti, "allow-multipage", false, "Render page 1 of multi-page files.")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return flags{}, fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	return flagsVar, nil
}

// mergeConfigAndFlags combines settings from the config file and command-line flags.
// Flags take precedence over the config file settings.
func mergeConfigAndFlags(cfg *config.Config, flgs flags) pdfrender.Options {
	opts := pdfrender.OptionsFromConfig(cfg)

	if flgs.inputPath != "" {
		opts.InputPath = flgs.inputPath
	}

	if flgs.publishPath != "" {
		opts.PublishRoot = flgs.publishPath
	}

	if flgs.baseURL != "" {
		opts.PublicBaseURL = flgs.baseURL
	}

	if flgs.dpi > 0 {
		opts.DPI = flgs.dpi
	}

	if flgs.concurrency > 0 {
		opts.Concurrency = flgs.concurrency
	}

	if flgs.allowMulti {
		opts.EnforceSinglePage = false
	}

	return opts
}

// processWithLogger sets up the logger, runs the batch and prints one line per file.
func processWithLogger(
	ctx context.Context,
	options *pdfrender.Options,
	logDir string,
	stdout io.Writer,
) error {
	log, err := setupLogger(logDir)
	if err != nil {
		return fmt.Errorf("could not set up logger: %w", err)
	}

	defer func() {
		cerr := log.Close()
		if cerr != nil {
			_, _ = fmt.Fprintf(
				os.Stderr,
				"failed to close logger: %v\n",
				cerr,
			)
		}
	}()

	coordinator := pdfrender.NewCoordinator(options, log)
	defer coordinator.Close()

	items, procErr := coordinator.Process(ctx)

	failures := report(stdout, items)

	if procErr != nil {
		return fmt.Errorf("PDF processing failed: %w", procErr)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d: %w", failures, len(items), ErrBatchHadFailures)
	}

	return nil
}

// report prints the outcome of each file and returns the number of failures.
func report(stdout io.Writer, items []pdfrender.BatchItem) int {
	failures := 0

	for _, item := range items {
		name := filepath.Base(item.SourcePath)

		if item.Result.Success {
			_, _ = fmt.Fprintf(stdout, "OK    %s -> %s\n", name, item.Result.PublicURL)

			continue
		}

		failures++

		_, _ = fmt.Fprintf(stdout, "FAIL  %s: %s (%s)\n", name, item.Result.UserMessage, item.Result.Kind)
	}

	return failures
}

// setupLogger initializes the logger, creating the log directory if needed.
func setupLogger(logDirConfig string) (*logger.Logger, error) {
	logDir := logDirConfig
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), "pdf-to-tiff-logs")
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("20060102_150405"))

	log, err := logger.New(logDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}
