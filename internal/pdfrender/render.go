// Package pdfrender converts single-page PDFs into CMYK, LZW-compressed TIFFs: it
// validates and optionally repairs the upload, rasterizes it under a concurrency gate
// and publishes the result into the dated public tree.
package pdfrender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/pdf-to-tiff-service/internal/blank"
	"github.com/book-expert/pdf-to-tiff-service/internal/config"
)

// ErrInputPathRequired is returned when a batch run has no input directory.
var ErrInputPathRequired = errors.New("input path is required")

// RepairBackendPDFCPU selects the in-process repairer.
const RepairBackendPDFCPU = config.RepairBackendPDFCPU

// Options holds all configurable parameters for a Coordinator.
type Options struct {
	ProgressBarOutput      io.Writer
	InputPath              string
	PublishRoot            string
	PublicBaseURL          string
	TmpRoot                string
	GhostscriptPath        string
	QPDFPath               string
	ICCProfile             string
	Device                 string
	RepairBackend          string
	MaxFileBytes           int64
	ConversionTimeout      time.Duration
	ProbeTimeout           time.Duration
	DPI                    int
	Concurrency            int
	BlankFuzzPercent       int
	BlankNonWhiteThreshold float64
	EnforceSinglePage      bool
	AttemptRepair          bool
	StopOnError            bool
	DetectBlank            bool
}

const (
	defaultDPI               = 96
	defaultMaxFileBytes      = 100 * bytesPerMB
	defaultConversionTimeout = 300 * time.Second
	defaultProbeTimeout      = 10 * time.Second
	defaultConcurrency       = 2
	defaultGhostscriptPath   = "gs"
	defaultQPDFPath          = "qpdf"
)

// OptionsFromConfig maps the shared configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProgressBarOutput:      nil,
		InputPath:              "",
		PublishRoot:            cfg.Paths.PublishDir,
		PublicBaseURL:          cfg.HTTP.PublicBaseURL,
		TmpRoot:                cfg.Paths.TmpDir,
		GhostscriptPath:        cfg.Tools.Ghostscript,
		QPDFPath:               cfg.Tools.QPDF,
		ICCProfile:             cfg.Conversion.ICCProfile,
		Device:                 cfg.Conversion.Device,
		RepairBackend:          cfg.Conversion.RepairBackend,
		MaxFileBytes:           cfg.MaxFileBytes(),
		ConversionTimeout:      cfg.ConversionTimeout(),
		ProbeTimeout:           cfg.ProbeTimeout(),
		DPI:                    cfg.Conversion.DPI,
		Concurrency:            cfg.Limits.Concurrency,
		BlankFuzzPercent:       blank.DefaultFuzzPercent,
		BlankNonWhiteThreshold: blank.DefaultThreshold,
		EnforceSinglePage:      cfg.Conversion.EnforceSinglePage,
		AttemptRepair:          cfg.Conversion.AttemptRepair,
		StopOnError:            cfg.Conversion.StopOnError,
		DetectBlank:            cfg.Conversion.DetectBlank,
	}
}

// applyDefaultOptions fills zero-value fields in Options with sensible defaults.
func applyDefaultOptions(opts *Options) {
	opts.DPI = defaultIntNonPositive(opts.DPI, defaultDPI)
	opts.Concurrency = defaultIntNonPositive(opts.Concurrency, defaultConcurrency)
	opts.BlankFuzzPercent = defaultIntNonPositive(opts.BlankFuzzPercent, blank.DefaultFuzzPercent)
	opts.BlankNonWhiteThreshold = defaultFloatNonPositive(
		opts.BlankNonWhiteThreshold,
		blank.DefaultThreshold,
	)
	opts.MaxFileBytes = defaultInt64NonPositive(opts.MaxFileBytes, defaultMaxFileBytes)
	opts.ConversionTimeout = defaultDurationNonPositive(opts.ConversionTimeout, defaultConversionTimeout)
	opts.ProbeTimeout = defaultDurationNonPositive(opts.ProbeTimeout, defaultProbeTimeout)
	opts.GhostscriptPath = defaultStringEmpty(opts.GhostscriptPath, defaultGhostscriptPath)
	opts.QPDFPath = defaultStringEmpty(opts.QPDFPath, defaultQPDFPath)
	opts.Device = defaultStringEmpty(opts.Device, defaultDevice)
	opts.TmpRoot = defaultStringEmpty(opts.TmpRoot, filepath.Join(os.TempDir(), "pdf-to-tiff"))
	opts.ProgressBarOutput = defaultWriterNil(opts.ProgressBarOutput, os.Stdout)
}

func defaultIntNonPositive(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

func defaultInt64NonPositive(v, def int64) int64 {
	if v <= 0 {
		return def
	}

	return v
}

func defaultFloatNonPositive(v, def float64) float64 {
	if v <= 0 {
		return def
	}

	return v
}

func defaultDurationNonPositive(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}

func defaultStringEmpty(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

func defaultWriterNil(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}

	return w
}

// BatchItem pairs a batch input with its conversion result.
type BatchItem struct {
	SourcePath string
	Result     ConversionResult
}

// Process converts every PDF in the configured input directory. Validation runs
// concurrently; rasterization is bounded by the gate. A failed file does not stop
// the batch; Process only returns an error when the batch cannot start or ctx ends.
func (coordinator *Coordinator) Process(ctx context.Context) ([]BatchItem, error) {
	// Step 1: Validate the configuration before starting any work.
	if coordinator.config.InputPath == "" {
		return nil, ErrInputPathRequired
	}

	// Step 2: Discover all PDF files in the input directory.
	pdfPaths, err := coordinator.discoverInputPDFs()
	if err != nil {
		return nil, err
	}

	// Step 3: Convert each discovered PDF file.
	coordinator.log.Info("Found %d PDF(s) to process.", len(pdfPaths))

	return coordinator.processAllPDFs(ctx, pdfPaths)
}

// discoverInputPDFs discovers input PDFs and validates non-empty result.
func (coordinator *Coordinator) discoverInputPDFs() ([]string, error) {
	pdfPaths, discoveryErr := DiscoverPDFs(coordinator.config.InputPath)
	if discoveryErr != nil {
		return nil, fmt.Errorf("failed to discover PDFs: %w", discoveryErr)
	}

	if len(pdfPaths) == 0 {
		return nil, fmt.Errorf(
			"no PDF files found in %s: %w",
			coordinator.config.InputPath,
			os.ErrNotExist,
		)
	}

	return pdfPaths, nil
}

// processAllPDFs fans the files out over an errgroup and shows overall progress.
func (coordinator *Coordinator) processAllPDFs(
	ctx context.Context,
	pdfPaths []string,
) ([]BatchItem, error) {
	mainProgressBar := pb.New(len(pdfPaths)).
		SetTemplateString(`{{ bar . " " "━" "━" " " " "}} {{percent .}} {{rtime .}}`).
		SetWriter(coordinator.config.ProgressBarOutput).
		Start()
	defer mainProgressBar.Finish()

	items := make([]BatchItem, len(pdfPaths))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())

	for index, pdfPath := range pdfPaths {
		group.Go(func() error {
			coordinator.log.Info("Starting processing for: %s", filepath.Base(pdfPath))

			result := coordinator.Convert(groupCtx, ConversionRequest{
				SourcePath:       pdfPath,
				OriginalFilename: filepath.Base(pdfPath),
				WorkspaceDir:     "",
				PublishRoot:      "",
				PublicBaseURL:    "",
				RasterizerPath:   "",
				RequestID:        "",
				DPI:              0,
			})

			items[index] = BatchItem{SourcePath: pdfPath, Result: result}

			mainProgressBar.Increment()

			// A failed file does not stop the batch.
			return nil
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		return items, fmt.Errorf("batch interrupted: %w", waitErr)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return items, fmt.Errorf("batch interrupted: %w", ctxErr)
	}

	return items, nil
}
