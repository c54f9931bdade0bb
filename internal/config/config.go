// Package config builds the single configuration value shared by the conversion
// pipeline, the retention sweeper and the front-end binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

var (
	// ErrPublishDirRequired is returned when no publish root is configured.
	ErrPublishDirRequired = errors.New("publish directory is required")
	// ErrTmpDirRequired is returned when no temp root is configured.
	ErrTmpDirRequired = errors.New("temp directory is required")
	// ErrNonPositiveLimit is returned when a numeric limit is zero or negative.
	ErrNonPositiveLimit = errors.New("limit must be positive")
	// ErrNegativeRetention is returned for a retention horizon below zero days.
	ErrNegativeRetention = errors.New("retention days must not be negative")
	// ErrUnknownRepairBackend is returned for a repair backend other than qpdf or pdfcpu.
	ErrUnknownRepairBackend = errors.New("unknown repair backend")
)

const (
	// RepairBackendQPDF rewrites damaged files with the external qpdf linearizer.
	RepairBackendQPDF = "qpdf"
	// RepairBackendPDFCPU rewrites damaged files in-process with pdfcpu.
	RepairBackendPDFCPU = "pdfcpu"

	defaultMaxFileMB         = 100
	defaultDPI               = 96
	defaultGhostscript       = "gs"
	defaultQPDF              = "qpdf"
	defaultICCProfile        = "/usr/share/color/icc/CMYK.icc"
	defaultConversionTimeout = 300
	defaultProbeTimeout      = 10
	defaultConcurrency       = 2
	defaultRetentionDays     = 14
	defaultSweepInterval     = "1h"
	defaultPublishDir        = "/srv/files"
	defaultTmpDir            = "/tmp/bot"
	defaultPublicBaseURL     = "https://localhost"
	defaultHTTPAddr          = ":8080"
	defaultTIFFDevice        = "tiff32nc"

	bytesPerMB = 1024 * 1024
)

// PathsConfig holds the directories the service reads and writes.
type PathsConfig struct {
	PublishDir string `toml:"publish_dir"`
	TmpDir     string `toml:"tmp_dir"`
	LogsDir    string `toml:"logs_dir"`
}

// ToolsConfig locates the external executables.
type ToolsConfig struct {
	Ghostscript string `toml:"ghostscript"`
	QPDF        string `toml:"qpdf"`
}

// ConversionConfig holds rasterizer settings and pipeline policy flags.
type ConversionConfig struct {
	DPI               int    `toml:"dpi"`
	Device            string `toml:"device"`
	ICCProfile        string `toml:"icc_profile"`
	RepairBackend     string `toml:"repair_backend"`
	EnforceSinglePage bool   `toml:"enforce_single_page"`
	AttemptRepair     bool   `toml:"attempt_repair"`
	StopOnError       bool   `toml:"stop_on_error"`
	DetectBlank       bool   `toml:"detect_blank"`
}

// LimitsConfig holds the resource bounds of the pipeline.
type LimitsConfig struct {
	MaxFileMB                int `toml:"max_file_mb"`
	ConversionTimeoutSeconds int `toml:"conversion_timeout_sec"`
	ProbeTimeoutSeconds      int `toml:"probe_timeout_sec"`
	Concurrency              int `toml:"concurrency"`
}

// RetentionConfig controls the sweeper.
type RetentionConfig struct {
	Days     int    `toml:"days"`
	Interval string `toml:"interval"`
}

// HTTPConfig controls the HTTP front end and the links handed to users.
type HTTPConfig struct {
	Addr           string   `toml:"addr"`
	PublicBaseURL  string   `toml:"public_base_url"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// NATSConfig holds NATS-specific configuration for the queue front end.
type NATSConfig struct {
	URL                   string `toml:"url"`
	PDFStreamName         string `toml:"pdf_stream_name"`
	PDFConsumerName       string `toml:"pdf_consumer_name"`
	PDFCreatedSubject     string `toml:"pdf_created_subject"`
	PDFObjectStoreBucket  string `toml:"pdf_object_store_bucket"`
	TIFFStreamName        string `toml:"tiff_stream_name"`
	TIFFCreatedSubject    string `toml:"tiff_created_subject"`
	TIFFObjectStoreBucket string `toml:"tiff_object_store_bucket"`
}

// Config is the full service configuration. It is built once at start-up and passed
// by pointer to every component that needs it.
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	Tools      ToolsConfig      `toml:"tools"`
	Conversion ConversionConfig `toml:"conversion"`
	Limits     LimitsConfig     `toml:"limits"`
	Retention  RetentionConfig  `toml:"retention"`
	HTTP       HTTPConfig       `toml:"http"`
	NATS       NATSConfig       `toml:"nats"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			PublishDir: defaultPublishDir,
			TmpDir:     defaultTmpDir,
			LogsDir:    filepath.Join(os.TempDir(), "pdf-to-tiff-logs"),
		},
		Tools: ToolsConfig{
			Ghostscript: defaultGhostscript,
			QPDF:        defaultQPDF,
		},
		Conversion: ConversionConfig{
			DPI:               defaultDPI,
			Device:            defaultTIFFDevice,
			ICCProfile:        defaultICCProfile,
			RepairBackend:     RepairBackendQPDF,
			EnforceSinglePage: true,
			AttemptRepair:     true,
			StopOnError:       true,
			DetectBlank:       false,
		},
		Limits: LimitsConfig{
			MaxFileMB:                defaultMaxFileMB,
			ConversionTimeoutSeconds: defaultConversionTimeout,
			ProbeTimeoutSeconds:      defaultProbeTimeout,
			Concurrency:              defaultConcurrency,
		},
		Retention: RetentionConfig{
			Days:     defaultRetentionDays,
			Interval: defaultSweepInterval,
		},
		HTTP: HTTPConfig{
			Addr:           defaultHTTPAddr,
			PublicBaseURL:  defaultPublicBaseURL,
			AllowedOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			URL:                   "",
			PDFStreamName:         "PDF_JOBS",
			PDFConsumerName:       "pdf-to-tiff-workers",
			PDFCreatedSubject:     "pdf.created",
			PDFObjectStoreBucket:  "PDF_FILES",
			TIFFStreamName:        "TIFF_RESULTS",
			TIFFCreatedSubject:    "tiff.created",
			TIFFObjectStoreBucket: "TIFF_FILES",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file and the
// environment, in that order of precedence. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		_, decodeErr := toml.DecodeFile(path, cfg)
		if decodeErr != nil && !errors.Is(decodeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, decodeErr)
		}
	}

	envErr := cfg.ApplyEnv(os.LookupEnv)
	if envErr != nil {
		return nil, envErr
	}

	return cfg, nil
}

// LoadFromURL fetches a remote TOML document over the defaults and then applies
// the environment on top.
func LoadFromURL(url string, log *logger.Logger) (*Config, error) {
	cfg := Default()

	loadErr := configurator.LoadFromURL(url, cfg, log)
	if loadErr != nil {
		return nil, fmt.Errorf("failed to load configuration from URL %s: %w", url, loadErr)
	}

	envErr := cfg.ApplyEnv(os.LookupEnv)
	if envErr != nil {
		return nil, envErr
	}

	return cfg, nil
}

// Discover locates project.toml from the working directory upwards and loads it.
// When no project root can be found the defaults plus environment are used.
func Discover() (*Config, error) {
	if url, ok := os.LookupEnv("CONFIG_URL"); ok && url != "" {
		bootLog, bootErr := logger.New(os.TempDir(), "pdf-to-tiff-bootstrap.log")
		if bootErr != nil {
			return nil, fmt.Errorf("failed to create bootstrap logger: %w", bootErr)
		}
		defer func() { _ = bootLog.Close() }()

		return LoadFromURL(url, bootLog)
	}

	_, configPath, findErr := configurator.FindProjectRoot(".")
	if findErr != nil {
		return Load("")
	}

	return Load(configPath)
}

// LookupFunc matches os.LookupEnv so tests can supply their own environment.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields with any environment variables that are set.
func (cfg *Config) ApplyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"PUBLISH_DIR":      &cfg.Paths.PublishDir,
		"TMP_DIR":          &cfg.Paths.TmpDir,
		"LOG_DIR":          &cfg.Paths.LogsDir,
		"GS_PATH":          &cfg.Tools.Ghostscript,
		"QPDF_PATH":        &cfg.Tools.QPDF,
		"ICC_CMYK_PROFILE": &cfg.Conversion.ICCProfile,
		"TIFF_DEVICE":      &cfg.Conversion.Device,
		"REPAIR_BACKEND":   &cfg.Conversion.RepairBackend,
		"SWEEP_INTERVAL":   &cfg.Retention.Interval,
		"HTTP_ADDR":        &cfg.HTTP.Addr,
		"PUBLIC_BASE_URL":  &cfg.HTTP.PublicBaseURL,
		"NATS_URL":         &cfg.NATS.URL,
	}
	for key, dst := range strs {
		if value, ok := lookup(key); ok && value != "" {
			*dst = value
		}
	}

	ints := map[string]*int{
		"MAX_FILE_MB":        &cfg.Limits.MaxFileMB,
		"DPI":                &cfg.Conversion.DPI,
		"CONVERSION_TIMEOUT": &cfg.Limits.ConversionTimeoutSeconds,
		"PROBE_TIMEOUT":      &cfg.Limits.ProbeTimeoutSeconds,
		"CONCURRENCY":        &cfg.Limits.Concurrency,
		"RETENTION_DAYS":     &cfg.Retention.Days,
	}
	for key, dst := range ints {
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}

		parsed, parseErr := strconv.Atoi(strings.TrimSpace(value))
		if parseErr != nil {
			return fmt.Errorf("invalid integer for %s: %w", key, parseErr)
		}

		*dst = parsed
	}

	bools := map[string]*bool{
		"ENFORCE_SINGLE_PAGE": &cfg.Conversion.EnforceSinglePage,
		"ATTEMPT_REPAIR":      &cfg.Conversion.AttemptRepair,
		"STOP_ON_ERROR":       &cfg.Conversion.StopOnError,
		"DETECT_BLANK":        &cfg.Conversion.DetectBlank,
	}
	for key, dst := range bools {
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}

		parsed, parseErr := strconv.ParseBool(strings.TrimSpace(value))
		if parseErr != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, parseErr)
		}

		*dst = parsed
	}

	if origins, ok := lookup("ALLOWED_ORIGINS"); ok && origins != "" {
		cfg.HTTP.AllowedOrigins = strings.Split(origins, ",")
	}

	return nil
}

// Validate checks the values that the pipeline cannot run without.
func (cfg *Config) Validate() error {
	if cfg.Paths.PublishDir == "" {
		return ErrPublishDirRequired
	}

	if cfg.Paths.TmpDir == "" {
		return ErrTmpDirRequired
	}

	limits := map[string]int{
		"max_file_mb":            cfg.Limits.MaxFileMB,
		"dpi":                    cfg.Conversion.DPI,
		"conversion_timeout_sec": cfg.Limits.ConversionTimeoutSeconds,
		"probe_timeout_sec":      cfg.Limits.ProbeTimeoutSeconds,
		"concurrency":            cfg.Limits.Concurrency,
	}
	for name, value := range limits {
		if value <= 0 {
			return fmt.Errorf("%s=%d: %w", name, value, ErrNonPositiveLimit)
		}
	}

	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention_days=%d: %w", cfg.Retention.Days, ErrNegativeRetention)
	}

	switch cfg.Conversion.RepairBackend {
	case RepairBackendQPDF, RepairBackendPDFCPU:
	default:
		return fmt.Errorf("%q: %w", cfg.Conversion.RepairBackend, ErrUnknownRepairBackend)
	}

	_, intervalErr := cfg.SweepInterval()
	if intervalErr != nil {
		return intervalErr
	}

	return nil
}

// MaxFileBytes returns the upload limit in bytes.
func (cfg *Config) MaxFileBytes() int64 {
	return int64(cfg.Limits.MaxFileMB) * bytesPerMB
}

// ConversionTimeout returns the rasterizer wall-clock bound.
func (cfg *Config) ConversionTimeout() time.Duration {
	return time.Duration(cfg.Limits.ConversionTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the bound applied to every probe and repair run.
func (cfg *Config) ProbeTimeout() time.Duration {
	return time.Duration(cfg.Limits.ProbeTimeoutSeconds) * time.Second
}

// SweepInterval parses the retention sweep period.
func (cfg *Config) SweepInterval() (time.Duration, error) {
	interval, parseErr := time.ParseDuration(cfg.Retention.Interval)
	if parseErr != nil {
		return 0, fmt.Errorf("invalid sweep interval %q: %w", cfg.Retention.Interval, parseErr)
	}

	if interval <= 0 {
		return 0, fmt.Errorf("sweep interval %s: %w", interval, ErrNonPositiveLimit)
	}

	return interval, nil
}
